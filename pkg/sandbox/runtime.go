package sandbox

import "context"

// RunSpec is everything a Runtime needs to execute one invocation to
// completion: an image, a command, environment, bind list, working
// directory, interactive flag, and a stable name — the capability §6
// describes as "given an image, a command, environment, bind list, working
// directory, interactive flag, and hostname, run to completion and return an
// exit code".
type RunSpec struct {
	Name        string
	Image       string
	Command     string
	Args        []string
	Env         []string
	Binds       []Bind
	Workdir     string
	Interactive bool
	Display     bool
}

// Runtime is the injected sandbox runtime capability. Probing logic that
// selects between concrete container runtimes lives outside the core; only
// the capability to run a spec to completion is consumed here.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (exitCode int, err error)
}
