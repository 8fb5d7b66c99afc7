package database

import (
	"sync"
	"time"

	"github.com/godruoyi/go-snowflake"
)

var snowflakeInit sync.Once

// NextID returns a new time-ordered row id.
func NextID() int64 {
	snowflakeInit.Do(func() {
		start, _ := time.Parse(time.RFC3339, "2020-01-01T00:00:00Z")
		snowflake.SetStartTime(start)
		snowflake.SetMachineID(1)
	})
	return int64(snowflake.ID())
}
