package matchmaking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxSkillLevel bounds the skill bucket index.
const MaxSkillLevel = 100

var keyPart = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// QueueKey identifies one skill-bucketed queue.
type QueueKey struct {
	GameType   string `json:"game_type"`
	GameMode   string `json:"game_mode"`
	Region     string `json:"region"`
	SkillLevel int    `json:"skill_level"`
}

func (k QueueKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.GameType, k.GameMode, k.Region, k.SkillLevel)
}

// Validate returns an *InvariantViolation for malformed keys.
func (k QueueKey) Validate() error {
	for name, part := range map[string]string{"game_type": k.GameType, "game_mode": k.GameMode, "region": k.Region} {
		if !keyPart.MatchString(part) {
			return &InvariantViolation{Key: k, Detail: fmt.Sprintf("malformed %s %q", name, part)}
		}
	}
	if k.SkillLevel < 0 || k.SkillLevel > MaxSkillLevel {
		return &InvariantViolation{Key: k, Detail: fmt.Sprintf("skill level %d out of range", k.SkillLevel)}
	}
	return nil
}

// ParseQueueKey is the inverse of QueueKey.String.
func ParseQueueKey(s string) (QueueKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return QueueKey{}, &InvariantViolation{Detail: fmt.Sprintf("malformed queue key %q", s)}
	}
	level, err := strconv.Atoi(parts[3])
	if err != nil {
		return QueueKey{}, &InvariantViolation{Detail: fmt.Sprintf("malformed skill level in %q", s)}
	}
	k := QueueKey{GameType: parts[0], GameMode: parts[1], Region: parts[2], SkillLevel: level}
	return k, k.Validate()
}

// SkillLevelFor buckets an MMR into a skill level.
func SkillLevelFor(mmr, bucketWidth int) int {
	if bucketWidth <= 0 || mmr <= 0 {
		return 0
	}
	return min(mmr/bucketWidth, MaxSkillLevel)
}

// InvariantViolation signals a malformed key or inconsistent queue data.
// It is a bug signal, not a user-facing condition.
type InvariantViolation struct {
	Key    QueueKey
	Detail string
}

func (e *InvariantViolation) Error() string {
	if e.Key == (QueueKey{}) {
		return "queue invariant violation: " + e.Detail
	}
	return fmt.Sprintf("queue invariant violation on %s: %s", e.Key, e.Detail)
}
