package webhooks

import (
	"strings"

	"fieldsync/internal/engine/realtime"
)

// ObjectType is the closed set of entity types a webhook can refer to.
type ObjectType int

const (
	ObjectUnknown ObjectType = iota
	ObjectJob
	ObjectCompany
	ObjectJobActivity
	ObjectAttachment
	ObjectStaff
)

var objectTypeNames = map[ObjectType]string{
	ObjectJob:         "job",
	ObjectCompany:     "company",
	ObjectJobActivity: "job_activity",
	ObjectAttachment:  "attachment",
	ObjectStaff:       "staff",
}

// ParseObjectType ignores case and underscores: "JobActivity", "job_activity"
// and "jobactivity" are the same type.
func ParseObjectType(s string) (ObjectType, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for t, name := range objectTypeNames {
		if strings.ReplaceAll(name, "_", "") == key {
			return t, true
		}
	}
	return ObjectUnknown, false
}

func (t ObjectType) String() string {
	if name, ok := objectTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Channel is the realtime channel that carries changes of this type.
func (t ObjectType) Channel() string {
	switch t {
	case ObjectJob:
		return realtime.ChannelJobs
	case ObjectCompany:
		return realtime.ChannelCompanies
	case ObjectJobActivity:
		return realtime.ChannelActivities
	case ObjectAttachment:
		return realtime.ChannelAttachments
	case ObjectStaff:
		return realtime.ChannelStaff
	}
	return ""
}

func isDeletion(eventType string) bool {
	e := strings.ToLower(eventType)
	return strings.Contains(e, "delete") || strings.Contains(e, "remove")
}
