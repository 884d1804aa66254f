// internal/capabilities/describe.go
package capabilities

import "strings"

// Describe renders a short human readable environment string for a session,
// e.g. "chrome (v120) on Windows 11" or "Pixel 7 on Android 13 executing app.apk".
func Describe(bag Bag) string {
	device := firstString(bag, "deviceName", keyAppiumDeviceName, "device")
	version := firstString(bag, "browserVersion", "version", AttrPlatformVersion, "browser_version")

	var platform string
	if os := bag.String("os"); os != "" {
		platform = strings.TrimSpace(os + " " + bag.String("os_version"))
	} else {
		platform = firstString(bag, "platform", "platformName")
	}

	if device != "" {
		program := bag.String(keyAppiumApp)
		if program == "" {
			program = bag.String("browserName")
		}
		var executing string
		if program != "" {
			executing = "executing " + program
		}
		return strings.TrimSpace(device + " on " + platform + " " + version + " " + executing)
	}

	var b strings.Builder
	b.WriteString(browserName(bag))
	if version != "" {
		b.WriteString(" (v" + version + ")")
	}
	if platform != "" {
		b.WriteString(" on " + platform)
	}
	return b.String()
}

func browserName(bag Bag) string {
	if name := firstString(bag, "browserName", "browser"); name != "" {
		return name
	}
	return "unknown"
}

func firstString(bag Bag, keys ...string) string {
	for _, k := range keys {
		if s := bag.String(k); s != "" {
			return s
		}
	}
	return ""
}
