package command

// Attribute names for DynamoDB items.
const (
	AttrID            = "id"
	AttrVersion       = "version"
	AttrTTL           = "ttl"
	AttrStatus        = "status"
	AttrTaskToken     = "taskToken"
	AttrWaitingSince  = "waitingSince"
	AttrFailedStage   = "failedStage"
	AttrFailureReason = "failureReason"
	AttrHeadVersion   = "headVersion"
	AttrUpdatedAt     = "updatedAt"
)

// DefaultRetentionDays is the default TTL for superseded command records.
const DefaultRetentionDays = 7
