// internal/capabilities/capabilities.go
package capabilities

import (
	"fmt"
	"strconv"
	"strings"
)

// Well known capability keys.
const (
	// NamespacedOptions is the modern vendor sub-object. Values found here win
	// over legacy flat keys for the same logical attribute.
	NamespacedOptions = "bstack:options"
	// LegacyPrefix prefixes legacy flat provider keys such as "browserstack.accessibility".
	LegacyPrefix = "browserstack."

	AttrAccessibility   = "accessibility"
	AttrDeviceName      = "deviceName"
	AttrOS              = "os"
	AttrOSVersion       = "osVersion"
	AttrPlatformVersion = "appium:platformVersion"

	keyAppiumDeviceName = "appium:deviceName"
	keyAppiumApp        = "appium:app"
	keyAppiumOptions    = "appium:options"
	keyServiceMarker    = "wdioService"
)

// vendorOptionBlocks are returned verbatim by Resolve when present.
var vendorOptionBlocks = map[string]struct{}{
	"goog:chromeOptions": {},
	"moz:firefoxOptions": {},
	"ms:edgeOptions":     {},
	keyAppiumOptions:     {},
}

// legacyKeys maps a logical attribute to its legacy flat key where the two differ.
var legacyKeys = map[string]string{
	AttrAccessibility:   LegacyPrefix + "accessibility",
	AttrOSVersion:       "os_version",
	AttrPlatformVersion: "platformVersion",
	"browserVersion":    "browser_version",
	"sessionName":       "name",
	"buildName":         "build",
	"projectName":       "project",
}

// Bag is the capability map negotiated for one session. It holds both the
// namespaced sub-object and any legacy flat keys.
type Bag map[string]any

// Clone returns a shallow copy of the bag.
func (b Bag) Clone() Bag {
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Options returns the namespaced sub-object, or nil.
func (b Bag) Options() map[string]any {
	return asMap(b[NamespacedOptions])
}

// String returns the value under key rendered as a string, or "" when absent.
func (b Bag) String(key string) string {
	return stringify(b[key])
}

// Resolve looks up a logical attribute using the precedence rules for
// namespaced and legacy keys. The boolean is false when nothing matched;
// callers treat that as "feature disabled" or "use the default".
func Resolve(bag Bag, attr string) (any, bool) {
	legacy, ok := legacyKeys[attr]
	if !ok {
		legacy = attr
	}
	return ResolveLegacy(bag, attr, legacy)
}

// ResolveLegacy is Resolve with an explicit legacy flat key.
func ResolveLegacy(bag Bag, attr, legacy string) (any, bool) {
	if bag == nil {
		return nil, false
	}
	opts := bag.Options()

	switch {
	case attr == AttrAccessibility:
		if v, ok := opts[AttrAccessibility]; ok && IsTrue(v) {
			return v, true
		}
		if v, ok := bag[legacy]; ok && IsTrue(v) {
			return v, true
		}
		return nil, false

	case attr == AttrDeviceName:
		if v := opts[AttrDeviceName]; Truthy(v) {
			return v, true
		}
		if v := opts["device"]; Truthy(v) {
			return v, true
		}
		if v := bag[keyAppiumDeviceName]; Truthy(v) {
			return v, true
		}
		return nil, false
	}

	if _, isBlock := vendorOptionBlocks[attr]; isBlock {
		v, ok := bag[attr]
		if ok && v != nil {
			return v, true
		}
		return nil, false
	}

	if v := opts[attr]; Truthy(v) {
		return v, true
	}
	if legacy != "" {
		if v := bag[legacy]; Truthy(v) {
			return v, true
		}
	}
	return nil, false
}

// ResolveString is Resolve rendered to a string, "" when unresolved.
func ResolveString(bag Bag, attr string) string {
	v, ok := Resolve(bag, attr)
	if !ok {
		return ""
	}
	return stringify(v)
}

// IsProviderOwned reports whether the capabilities target the remote
// provider. A namespaced block that only carries the service marker added by
// this tool does not count.
func IsProviderOwned(bag Bag) bool {
	if bag == nil {
		return false
	}
	if opts := bag.Options(); len(opts) > 0 {
		if _, marker := opts[keyServiceMarker]; !(len(opts) == 1 && marker) {
			return true
		}
	}
	for k := range bag {
		if strings.HasPrefix(k, LegacyPrefix) {
			return true
		}
	}
	return false
}

// IsProviderHost reports whether a remote hostname belongs to the provider.
func IsProviderHost(hostname string) bool {
	return strings.Contains(strings.ToLower(hostname), "browserstack")
}

// IsAppSession reports whether the capabilities describe a native app session.
func IsAppSession(bags ...Bag) bool {
	for _, bag := range bags {
		if Truthy(bag[keyAppiumApp]) {
			return true
		}
		if Truthy(asMap(bag[keyAppiumOptions])["app"]) {
			return true
		}
	}
	return false
}

// IsTrue matches a boolean true or any value whose string form is "true".
func IsTrue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return strings.EqualFold(fmt.Sprint(t), "true")
	}
}

// Truthy reports whether v carries a meaningful value: non-nil, non-empty,
// non-zero and not false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case map[string]any:
		return t != nil
	case []any:
		return t != nil
	default:
		return true
	}
}

func asMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case Bag:
		return t
	default:
		return nil
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
