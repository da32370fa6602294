package actions

import (
	_ "embed"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

//go:embed blocked-template.json
var defaultTemplateJSON []byte

//go:embed blocked-template.html
var defaultTemplateHTML []byte

// Templates holds the bodies used for block responses.
type Templates struct {
	JSON []byte
	HTML []byte
}

var (
	cache atomic.Pointer[Templates]

	// sourceMu serializes writers of cache; readers only Load.
	sourceMu sync.Mutex
	jsonPath string
	htmlPath string
	logger   = zerolog.Nop()
)

func init() {
	cache.Store(&Templates{JSON: defaultTemplateJSON, HTML: defaultTemplateHTML})
}

// SetTemplatePaths points the process-wide cache at custom template files
// and reloads it. Empty paths select the built-in templates.
func SetTemplatePaths(jsonFile, htmlFile string) {
	sourceMu.Lock()
	defer sourceMu.Unlock()
	jsonPath, htmlPath = jsonFile, htmlFile
	cache.Store(LoadTemplates(jsonPath, htmlPath, logger))
}

// SetLogger sets the logger used to report unusable custom templates.
func SetLogger(l zerolog.Logger) {
	sourceMu.Lock()
	logger = l
	sourceMu.Unlock()
}

// ResetTemplates re-reads the template files from the configured paths.
func ResetTemplates() {
	sourceMu.Lock()
	defer sourceMu.Unlock()
	cache.Store(LoadTemplates(jsonPath, htmlPath, logger))
}

// CurrentTemplates returns the templates of the last reconfiguration.
func CurrentTemplates() *Templates {
	return cache.Load()
}

// LoadTemplates reads custom templates, keeping the built-in ones for any
// file that is missing, unreadable or, for JSON, not valid JSON.
func LoadTemplates(jsonFile, htmlFile string, log zerolog.Logger) *Templates {
	t := &Templates{JSON: defaultTemplateJSON, HTML: defaultTemplateHTML}

	if jsonFile != "" {
		data, err := os.ReadFile(jsonFile)
		switch {
		case err != nil:
			log.Error().Err(err).Str("path", jsonFile).Msg("Could not read blocked JSON template, using default")
		case !json.Valid(data):
			log.Error().Str("path", jsonFile).Msg("Blocked JSON template is not valid JSON, using default")
		default:
			t.JSON = data
		}
	}

	if htmlFile != "" {
		data, err := os.ReadFile(htmlFile)
		if err != nil {
			log.Error().Err(err).Str("path", htmlFile).Msg("Could not read blocked HTML template, using default")
		} else {
			t.HTML = data
		}
	}

	return t
}
