package concurrency

import (
	"os"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForKubernetes sets GOMAXPROCS to match the container CPU quota.
// It should be called at the very start of main() before any pool is sized.
// Returns an undo function that restores the original GOMAXPROCS value.
func InitializeForKubernetes(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	sugar := logger.Sugar()

	undo, err := maxprocs.Set(maxprocs.Logger(sugar.Infof))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Info("Concurrency initialized",
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Bool("kubernetes", IsKubernetes()))

	return undo
}

// IsKubernetes detects if the application is running in Kubernetes
func IsKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// GetEffectiveCPUs returns the effective number of CPUs available.
// This respects cgroup limits once InitializeForKubernetes has run.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}

// SuggestedPoolSize returns a pool size derived from the effective CPUs:
// conservative inside Kubernetes, more aggressive on bare metal.
func SuggestedPoolSize() int {
	cpus := GetEffectiveCPUs()
	if IsKubernetes() {
		return max(cpus*2, 1)
	}
	return max(cpus*4, 1)
}
