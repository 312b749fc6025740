package id

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

func New() string {
	return uuid.NewString()
}

// Worker returns a lease owner id for this process. A configured name is used
// as is; otherwise the id combines host, pid and a short random suffix so
// restarts never reuse an owner.
func Worker(configured string) string {
	if name := strings.TrimSpace(configured); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix)
}
