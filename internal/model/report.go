package model

// LayoutVersionReport carries the software/metadata layout versions a node
// reports at registration and on every heartbeat.
type LayoutVersionReport struct {
	SoftwareLayoutVersion int `json:"software_layout_version"`
	MetadataLayoutVersion int `json:"metadata_layout_version"`
}

// VolumeReport describes usage of a single storage volume on a datanode.
type VolumeReport struct {
	Path      string `json:"path"`
	Capacity  int64  `json:"capacity"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Failed    bool   `json:"failed,omitempty"`
}

// NodeReport is the storage summary a node attaches to registration.
type NodeReport struct {
	Volumes []VolumeReport `json:"volumes,omitempty"`
}

// PipelineReport lists the replication pipelines a node participates in.
// The control plane forwards it to the placement engine; membership only
// needs it to be carried opaquely through registration.
type PipelineReport struct {
	PipelineIDs []string `json:"pipeline_ids,omitempty"`
}
