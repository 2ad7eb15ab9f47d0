package funnel

// VolumeTier is an advisory label for how much monthly traffic a step sees.
// It never gates dispatch.
type VolumeTier string

const (
	VolumeInsufficient VolumeTier = "insufficient"
	VolumeLimited      VolumeTier = "limited"
	VolumeSufficient   VolumeTier = "sufficient"
)

const (
	minLimitedVolume    = 50
	minSufficientVolume = 200
)

// ClassifyVolume buckets a monthly event count.
func ClassifyVolume(monthly int) VolumeTier {
	switch {
	case monthly < minLimitedVolume:
		return VolumeInsufficient
	case monthly < minSufficientVolume:
		return VolumeLimited
	default:
		return VolumeSufficient
	}
}
