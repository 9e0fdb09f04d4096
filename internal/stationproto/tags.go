package stationproto

// Tag names used inside signed device events.
const (
	TagCallsign      = "callsign"
	TagNickname      = "nickname"
	TagLat           = "lat"
	TagLon           = "lon"
	TagTopic         = "t"
	TagAction        = "action"
	TagEnabled       = "enabled"
	TagConnClass     = "conn_class"
	TagSlots         = "slots"
	TagStorageMB     = "storage_mb"
	TagRetentionDays = "retention_days"
)

// Fixed topic/action pairs for the presence subsystem.  Announcements and
// listing queries each require their own topic so a captured announce event
// cannot double as a query credential.
const (
	TopicBackupProvider = "backup-provider"
	ActionAnnounce      = "announce"
	TopicBackupQuery    = "backup-providers-query"
)
