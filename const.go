package atropos

// Pipeline stages as recorded in the run journal.
const (
	StageEnvironment = "environment"
	StageArtifact    = "artifact"
	StageDeploy      = "deploy"
	StageSession     = "session"
)
