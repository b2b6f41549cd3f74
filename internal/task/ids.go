package task

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewID() string {
	return newID("task")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}

// ShortID returns the last eight characters of an id's random suffix, for
// naming resources with tight length limits.
func ShortID(id string) string {
	suffix := id
	if i := strings.LastIndexAny(id, "_-"); i >= 0 {
		suffix = id[i+1:]
	}
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return strings.ToLower(suffix)
}
