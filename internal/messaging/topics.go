package messaging

// Topic constants for the mining pool messaging system
const (
	TopicJobs            = "mining.jobs"             // jobmanager → stratumd
	TopicShares          = "mining.shares"           // jobmanager → stats
	TopicBlockCandidates = "mining.block_candidates" // jobmanager → block archive (HOT PATH)
)
