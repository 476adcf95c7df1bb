package ports

import "time"

const (
	DetectorRetryDelay  = 10 * time.Second // Delay before retrying a failed detector connection
	ManualReviewMemoTag = "manual approval requested"
)
