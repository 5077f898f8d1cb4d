package validator

import (
	"fmt"
	"sort"
	"strings"

	"fieldsync/internal/platform/models"

	"github.com/google/uuid"
)

// FieldErrors maps a payload field to what is wrong with it.
type FieldErrors map[string]string

func (fe FieldErrors) Error() string {
	keys := make([]string, 0, len(fe))
	for k := range fe {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, fe[k]))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

// WebhookPayload checks the fields every delivery must carry.
func WebhookPayload(p *models.WebhookPayload) error {
	errs := FieldErrors{}

	if strings.TrimSpace(p.ObjectType) == "" {
		errs["object_type"] = "required"
	}
	if strings.TrimSpace(p.EventType) == "" {
		errs["event_type"] = "required"
	}
	switch {
	case strings.TrimSpace(p.ObjectUUID) == "":
		errs["object_uuid"] = "required"
	case !IsUUID(p.ObjectUUID):
		errs["object_uuid"] = "must be a uuid"
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
