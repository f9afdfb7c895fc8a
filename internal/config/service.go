package config

import "fmt"

// ServiceType selects which of the three workers (§5) a process runs.
// ServiceTypeSingular runs all three in one process, the default for a
// small deployment; the others let ingest, delivery consumption, and
// retry scheduling scale independently.
type ServiceType int

const (
	ServiceTypeSingular ServiceType = iota
	ServiceTypeAPI
	ServiceTypeWorker
	ServiceTypeScheduler
)

func (s ServiceType) String() string {
	switch s {
	case ServiceTypeSingular:
		return ""
	case ServiceTypeAPI:
		return "api"
	case ServiceTypeWorker:
		return "worker"
	case ServiceTypeScheduler:
		return "scheduler"
	}
	return "unknown"
}

func ServiceTypeFromString(s string) (ServiceType, error) {
	switch s {
	case "":
		return ServiceTypeSingular, nil
	case "api":
		return ServiceTypeAPI, nil
	case "worker":
		return ServiceTypeWorker, nil
	case "scheduler":
		return ServiceTypeScheduler, nil
	}
	return ServiceType(-1), fmt.Errorf("config: unknown service type %q", s)
}
