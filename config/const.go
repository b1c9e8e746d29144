package config

import "time"

const (
	MaxSchemaSize = 1024 * 1024 * 2 // 2 MB

	// widget websocket
	WSWriteTimeout = 10 * time.Second
	WSSendBuffer   = 64

	// how often idle sessions are looked for
	SessionReapInterval = time.Minute

	// how long an export notice stays visible
	ExportNoticeTTL = 3 * time.Second

	DefaultSinkURL = "https://jsonplaceholder.typicode.com/posts"
)
