package nodemanager

import (
	"go.uber.org/zap"

	"github.com/karst-storage/karst/internal/model"
)

// Layout versions shipped with this build. The metadata version trails the
// software version until an upgrade is finalized cluster-wide.
const (
	CurrentSoftwareLayoutVersion = 3
	CurrentMetadataLayoutVersion = 3
)

// LayoutManager holds the control plane's own software and metadata layout
// versions. The control plane is finalized when the two are equal.
type LayoutManager struct {
	softwareLayoutVersion int
	metadataLayoutVersion int
}

// NewLayoutManager creates a layout manager with the control plane's
// versions.
func NewLayoutManager(softwareLayoutVersion, metadataLayoutVersion int) *LayoutManager {
	return &LayoutManager{
		softwareLayoutVersion: softwareLayoutVersion,
		metadataLayoutVersion: metadataLayoutVersion,
	}
}

// SoftwareLayoutVersion returns the control plane's software layout version.
func (l *LayoutManager) SoftwareLayoutVersion() int { return l.softwareLayoutVersion }

// MetadataLayoutVersion returns the control plane's metadata layout version.
func (l *LayoutManager) MetadataLayoutVersion() int { return l.metadataLayoutVersion }

// MaxLayoutVersion returns the version reloaded nodes are pinned to until
// their next live heartbeat reveals their true layout.
func (l *LayoutManager) MaxLayoutVersion() int { return l.softwareLayoutVersion }

// CheckFinalizeNeeded compares a node's reported layout against the control
// plane's and reports whether the node owes a finalize. A node ahead of the
// control plane is a configuration hazard: logged as an error, never
// auto-corrected.
func (l *LayoutManager) CheckFinalizeNeeded(details *model.DatanodeDetails, report *model.LayoutVersionReport, logger *zap.Logger) bool {
	if report.SoftwareLayoutVersion > l.softwareLayoutVersion {
		logger.Error("Datanode reports a software layout version ahead of the control plane",
			zap.String("hostname", details.Hostname),
			zap.Int("datanode_slv", report.SoftwareLayoutVersion),
			zap.Int("controlplane_slv", l.softwareLayoutVersion))
		return false
	}

	if l.metadataLayoutVersion == l.softwareLayoutVersion &&
		report.MetadataLayoutVersion < l.metadataLayoutVersion {
		logger.Debug("Datanode reports a lower metadata layout version and needs finalization",
			zap.String("hostname", details.Hostname),
			zap.Int("datanode_mlv", report.MetadataLayoutVersion),
			zap.Int("controlplane_mlv", l.metadataLayoutVersion))
		return true
	}
	return false
}
