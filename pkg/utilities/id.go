package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
	nodeErr  error
)

// NewKSUID generates a new globally unique KSUID string. Used for request ids.
func NewKSUID() string {
	return ksuid.New().String()
}

// SnowflakeNode returns the process-wide generator. The node id comes from
// SNOWFLAKE_NODE and defaults to 1; each dispatcher instance needs its own.
func SnowflakeNode() (*snowflake.Node, error) {
	nodeOnce.Do(func() {
		id := int64(1)
		if v, err := strconv.ParseInt(os.Getenv("SNOWFLAKE_NODE"), 10, 64); err == nil {
			id = v
		}
		node, nodeErr = snowflake.NewNode(id)
	})
	return node, nodeErr
}

// NewSnowflakeID returns a time-ordered int64 id. Ids from one node are strictly increasing.
func NewSnowflakeID() (int64, error) {
	n, err := SnowflakeNode()
	if err != nil {
		return 0, err
	}
	return n.Generate().Int64(), nil
}
