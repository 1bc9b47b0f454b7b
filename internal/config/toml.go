// Package config reads ff config files written in TOML.
package config

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLParser is an ff.ConfigFileParseFunc. Top-level keys map to flags of the
// same name; keys inside a table are joined to the table name with a dash, so
//
//	[backend]
//	url = "http://..."
//
// sets --backend-url. Arrays set the flag once per element.
func TOMLParser(r io.Reader, set func(name, value string) error) error {
	var doc map[string]any
	if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("decoding toml: %w", err)
	}
	return walk("", doc, set)
}

func walk(prefix string, table map[string]any, set func(name, value string) error) error {
	// deterministic order keeps repeated flags stable
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := key
		if prefix != "" {
			name = prefix + "-" + key
		}

		switch v := table[key].(type) {
		case map[string]any:
			if err := walk(name, v, set); err != nil {
				return err
			}
		case []any:
			for _, item := range v {
				s, err := stringify(item)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				if err := set(name, s); err != nil {
					return err
				}
			}
		default:
			s, err := stringify(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if err := set(name, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func stringify(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool, int64, float64:
		return fmt.Sprint(v), nil
	case time.Time:
		return formatTime(v), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// formatTime keeps TOML local dates and times free of an offset. The decoder
// marks them with these zone names.
func formatTime(t time.Time) string {
	switch t.Location().String() {
	case "date-local":
		return t.Format(time.DateOnly)
	case "time-local":
		return t.Format("15:04:05.999999999")
	case "datetime-local":
		return t.Format("2006-01-02T15:04:05.999999999")
	default:
		return t.Format(time.RFC3339Nano)
	}
}
