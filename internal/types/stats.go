package types

import "time"

type DiscontinuityInfo struct {
	Count    int    `json:"count"`
	MinGap   uint16 `json:"minGap"`
	MaxGap   uint16 `json:"maxGap"`
	TotalGap uint16 `json:"totalGap"`
}

type BaseTrackStats struct {
	StartTime      int64             `json:"startTime"`
	EndTime        int64             `json:"endTime"`
	TotalSamples   int               `json:"totalSamples"`
	WrittenSamples int               `json:"writtenSamples"`
	RTPDiscontInfo DiscontinuityInfo `json:"rtpDiscontInfo"`
}

type VideoTrackStats struct {
	BaseTrackStats
	PlaceholderFrames int `json:"placeholderFrames"`
	FrozenFrames      int `json:"frozenFrames"`
	AvgFrameSizeBytes int `json:"avgFrameSizeBytes,omitempty"`
	MaxFrameSizeBytes int `json:"maxFrameSizeBytes,omitempty"`

	FrameSizeAcc int64 `json:"-"`
}

type AudioTrackStats struct {
	BaseTrackStats
	SilentLocalBlocks  int `json:"silentLocalBlocks"`
	SilentRemoteBlocks int `json:"silentRemoteBlocks"`
	ClippedSamples     int `json:"clippedSamples"`
}

type RecorderStats struct {
	Audio    *AudioTrackStats `json:"audio,omitempty"`
	Video    *VideoTrackStats `json:"video,omitempty"`
	Chunks   int              `json:"chunks"`
	Bytes    int64            `json:"bytes"`
	Duration time.Duration    `json:"duration"`
}
