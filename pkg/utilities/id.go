package utilities

import (
	"crypto/rand"
	"math/big"
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce    sync.Once
	defaultNode *snowflake.Node
)

// NewKSUID generates a new globally unique KSUID string.
// Used as the externally stable identifier of imported users.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewSnowflakeID generates a snowflake ID string using a node ID from
// the environment variable SNOWFLAKE_NODE. The node is created once per
// process so IDs generated in the same millisecond keep their sequence.
// If node setup fails it falls back to generating a KSUID string.
func NewSnowflakeID() string {
	nodeOnce.Do(func() {
		nodeID := int64(1)
		if v, err := strconv.ParseInt(os.Getenv("SNOWFLAKE_NODE"), 10, 64); err == nil {
			nodeID = v
		}
		n, err := snowflake.NewNode(nodeID)
		if err != nil {
			// default to node 1 when the configured node is out of range
			n, _ = snowflake.NewNode(1)
		}
		defaultNode = n
	})
	if defaultNode == nil {
		return NewKSUID()
	}
	return defaultNode.Generate().String()
}

const (
	base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	digitAlphabet  = "0123456789"
)

// RandomToken returns n characters drawn uniformly from [0-9a-z] using crypto/rand.
func RandomToken(n int) (string, error) {
	return randomFrom(base36Alphabet, n)
}

// RandomDigits returns n decimal digits using crypto/rand.
func RandomDigits(n int) (string, error) {
	return randomFrom(digitAlphabet, n)
}

func randomFrom(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
