package sandbox

// Policy defines resource limits for a sandboxed process.
type Policy struct {
	CPUs    string // docker --cpus value (e.g. "0.1")
	Memory  string // docker memory limit (e.g. "512m")
	Network bool   // whether network access is allowed
}

// DefaultPolicy returns a tenth of a CPU, 512m of memory and no network.
func DefaultPolicy() Policy {
	return Policy{
		CPUs:    "0.1",
		Memory:  "512m",
		Network: false,
	}
}

// RunArgs returns the container run flags enforcing the policy.
func (p Policy) RunArgs() []string {
	var args []string
	if p.CPUs != "" {
		args = append(args, "--cpus", p.CPUs)
	}
	if p.Memory != "" {
		args = append(args, "-m", p.Memory)
	}
	if !p.Network {
		args = append(args, "--network", "none")
	}
	return args
}
