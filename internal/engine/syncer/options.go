package syncer

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Options controls job and quote synchronization.
type Options struct {
	IncludeActivities  bool      `mapstructure:"include_activities" json:"include_activities"`
	IncludeAttachments bool      `mapstructure:"include_attachments" json:"include_attachments"`
	IncludeMaterials   bool      `mapstructure:"include_materials" json:"include_materials"`
	Status             []string  `mapstructure:"status" json:"status,omitempty"`
	Limit              int       `mapstructure:"limit" json:"limit,omitempty"` // 0 fetches every page
	Offset             int       `mapstructure:"offset" json:"offset,omitempty"`
	UpdatedSince       time.Time `mapstructure:"updated_since" json:"updated_since,omitempty"`
}

func (o Options) cascades() bool {
	return o.IncludeActivities || o.IncludeAttachments || o.IncludeMaterials
}

// DecodeOptions reads options from a loosely typed request map. Keys match in
// snake_case or camelCase; status may be a list or a comma separated string.
func DecodeOptions(raw map[string]any) (Options, error) {
	var opts Options
	if len(raw) == 0 {
		return opts, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, err
	}
	return opts, nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}
