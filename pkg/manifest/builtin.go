package manifest

// Builtins returns the manifests for the services every deployment carries
// without any manifest files on disk: the stratus query service and the
// sleep service used by tests and load checks.
//
// Deployments extend the set by dropping additional manifests into the
// configured manifest directory; names there must not collide with these.
func Builtins() []*Manifest {
	stratus := &Manifest{
		Version: DefaultVersion,
		Service: ServiceConfig{
			Name:        "stratus",
			Description: "Bulk query execution (simulated backend).",
			Worker:      WorkerConfig{Kind: WorkerKindStratus},
			Parameters: []ParameterConfig{
				{Name: "query", Type: "string", Required: true},
				{Name: "rows", Type: "int", Default: "1000"},
				{Name: "format", Type: "string", Default: "json"},
			},
		},
	}

	sleep := &Manifest{
		Version: DefaultVersion,
		Service: ServiceConfig{
			Name:        "sleep",
			Description: "Sleeps for the duration parameter, then completes.",
			Worker:      WorkerConfig{Kind: WorkerKindSleep},
			Parameters: []ParameterConfig{
				{Name: "duration", Type: "string", Default: "1s"},
			},
		},
	}

	for _, m := range []*Manifest{stratus, sleep} {
		m.ApplyDefaults()
	}
	return []*Manifest{stratus, sleep}
}
