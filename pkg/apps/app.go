package apps

import (
	"github.com/artemis-ops/artemis-keeper/pkg/apps/processcontrol"
	"github.com/artemis-ops/artemis-keeper/pkg/ecosystem"
)

// App is a supervised application as the keeper sees it: an identity plus
// the fully wired process control options derived from its ecosystem entry.
type App interface {
	ID() string
	Config() *ecosystem.AppConfig
	ProcessControlOptions() processcontrol.Options
}
