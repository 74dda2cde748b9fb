package processor

import (
	"fmt"
	"strings"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

var levelAliases = map[string]string{
	"trace":    "trace",
	"debug":    "debug",
	"info":     "info",
	"notice":   "info",
	"warn":     "warn",
	"warning":  "warn",
	"error":    "error",
	"err":      "error",
	"fatal":    "fatal",
	"critical": "fatal",
	"crit":     "fatal",
	"panic":    "fatal",
}

// NormalizeLevel rewrites the level field to its canonical lowercase name
// and returns it. Missing levels become def. Numeric levels use the
// trace..fatal scale; unknown names are lowercased and kept.
func NormalizeLevel(ev types.Event, def string) string {
	var level string
	switch v := ev[types.FieldLevel].(type) {
	case nil:
		level = def
	case string:
		level = strings.ToLower(strings.TrimSpace(v))
		if level == "" {
			level = def
		} else if canonical, ok := levelAliases[level]; ok {
			level = canonical
		}
	case int:
		level = types.LevelName(v)
	case int64:
		level = types.LevelName(int(v))
	case float64:
		level = types.LevelName(int(v))
	default:
		level = strings.ToLower(fmt.Sprintf("%v", v))
	}
	ev[types.FieldLevel] = level
	return level
}
