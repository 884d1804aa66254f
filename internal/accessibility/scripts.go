// internal/accessibility/scripts.go
package accessibility

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/remotesuite/internal/interception"
)

// scriptMarker opens every script injected by the scan engine so the
// interception engine recognises it as internal.
const scriptMarker = "/* " + interception.MarkerAccessibility + " */\n"

// Scripts holds the page-level scripts of the scan engine contract. Each one
// is executed through the driver's script primitive and returns a promise.
type Scripts struct {
	PerformScan    string `yaml:"perform_scan"`
	SaveResults    string `yaml:"save_results"`
	ResultsSummary string `yaml:"results_summary"`
	Results        string `yaml:"results"`
}

// DefaultScripts talk to the in-page scanner through DOM events.
func DefaultScripts() Scripts {
	return Scripts{
		PerformScan:    eventScript("A11Y_SCAN", "A11Y_SCAN_FINISHED", "e.detail"),
		SaveResults:    eventScript("A11Y_SAVE_RESULTS", "A11Y_RESULTS_SAVED", "e.detail"),
		ResultsSummary: eventScript("A11Y_RESULTS_SUMMARY", "A11Y_RESULTS_SUMMARY_RESPONSE", "e.detail && e.detail.summary"),
		Results:        eventScript("A11Y_TAP_GET_RESULTS", "A11Y_RESULTS_RESPONSE", "e.detail && e.detail.data"),
	}
}

// eventScript dispatches request on window and resolves with the detail of
// the first reply event. A page without the scanner resolves after a
// timeout with nothing.
func eventScript(request, reply, value string) string {
	return scriptMarker + fmt.Sprintf(`var payload = arguments[0] || {};
return new Promise(function (resolve) {
  var timer = setTimeout(function () { resolve(null); }, 30000);
  function onReply(e) {
    clearTimeout(timer);
    window.removeEventListener(%[2]q, onReply);
    resolve(%[3]s);
  }
  window.addEventListener(%[2]q, onReply);
  window.dispatchEvent(new CustomEvent(%[1]q, { detail: payload }));
});`, request, reply, value)
}

// LoadScripts reads a YAML scripts file and overlays it on DefaultScripts.
// An empty path returns the defaults. Loaded scripts are marker-prefixed when
// they do not already carry a marker.
func LoadScripts(path string) (Scripts, error) {
	scripts := DefaultScripts()
	if path == "" {
		return scripts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return scripts, fmt.Errorf("failed to read accessibility scripts file: %w", err)
	}
	var loaded Scripts
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return scripts, fmt.Errorf("failed to parse accessibility scripts file %s: %w", path, err)
	}
	for dst, src := range map[*string]string{
		&scripts.PerformScan:    loaded.PerformScan,
		&scripts.SaveResults:    loaded.SaveResults,
		&scripts.ResultsSummary: loaded.ResultsSummary,
		&scripts.Results:        loaded.Results,
	} {
		if strings.TrimSpace(src) != "" {
			*dst = withMarker(src)
		}
	}
	return scripts, nil
}

func withMarker(script string) string {
	if interception.IsInternalPayload(script) {
		return script
	}
	return scriptMarker + script
}
