package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// gateway metrics
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wos_commands_total",
		Help: "Channel commands by name and outcome",
	}, []string{"cmd", "ok"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wos_command_duration_seconds",
		Help:    "Channel command handling latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"cmd"})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wos_active_connections",
		Help: "Open command-channel connections",
	})

	// image admission metrics
	ImagePullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wos_image_pulls_total",
		Help: "Underlying image pull operations by result",
	}, []string{"result"})

	ImagePullDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wos_image_pull_duration_seconds",
		Help:    "Image pull duration",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	PullAttachTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wos_pull_attach_total",
		Help: "Requests that attached to an in-flight pull instead of starting one",
	})

	// provisioner metrics
	ProvisionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wos_provision_total",
		Help: "Workspace provisioning attempts by result",
	}, []string{"result"})

	ProvisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wos_provision_duration_seconds",
		Help:    "Reservation-to-running duration",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	MaintenanceRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wos_maintenance_runs_total",
		Help: "Background maintenance script runs by result",
	}, []string{"result"})

	WorkspaceStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wos_workspace_state_transitions_total",
		Help: "Workspace status transition count",
	}, []string{"from", "to"})

	// sandbox launcher metrics
	SandboxLaunchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wos_sandbox_launch_total",
		Help: "Cloud sandbox launch attempts by result",
	}, []string{"result"})

	// sync coordinator metrics
	SyncSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wos_sync_sessions",
		Help: "Registered local-cloud sync sessions",
	})

	SyncFilesQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wos_sync_files_queued_total",
		Help: "Files queued for local-to-cloud sync",
	})

	SyncFullDownloadSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wos_sync_full_download_seconds",
		Help:    "Initial cloud-to-local full download duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

func RegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		CommandsTotal, CommandDuration, ActiveConnections,
		ImagePullsTotal, ImagePullDuration, PullAttachTotal,
		ProvisionTotal, ProvisionDuration, MaintenanceRunsTotal,
		WorkspaceStateTransitions, SandboxLaunchTotal,
		SyncSessions, SyncFilesQueuedTotal, SyncFullDownloadSeconds,
	)
}
