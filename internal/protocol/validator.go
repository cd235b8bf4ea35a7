package protocol

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hollowpoint-games/warden/internal/errors"
	"github.com/hollowpoint-games/warden/internal/metrics"
)

// Map and field limits for the validated opcode set.
const (
	MapExtent        = 14400.0
	MaxDirection     = 2 * math.Pi
	MaxChatLength    = 100
	MaxUsernameLen   = 16
	MinUsernameLen   = 3
	MaxPasswordLen   = 64
	MinPasswordLen   = 6
	MaxDisplayName   = 16
	MaxEmailLen      = 254
	MaxClickSamples  = 50
	MaxItemID        = 512
	MaxUpgradeID     = 64
	DefaultNameValue = "unnamed"
)

// Context carries the transport identity of the sender, used only for
// forensic logging.
type Context struct {
	ConnectionID  string
	SourceAddress string
}

// Result is the outcome of validating one packet. When Valid, Sanitized
// holds the cleaned payload that may cross into game-state mutation; when
// not, Reason explains the rejection.
type Result struct {
	Valid     bool
	Sanitized []interface{}
	Reason    string
}

type validateFunc func(payload []interface{}) ([]interface{}, string)

type opStats struct {
	passed uint64
	failed uint64
}

// Validator enforces a declarative schema for every recognized opcode.
// This is the only place untrusted values cross into trusted state.
type Validator struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	schemas map[Opcode]validateFunc

	statsMu sync.Mutex
	stats   map[Opcode]*opStats

	// Structural failures are attacker-controllable; throttle their log
	// volume so a garbage flood cannot become a log-flood DoS.
	failureLog *rate.Limiter
}

// NewValidator creates a validator with the full opcode schema table.
func NewValidator(logger *zap.Logger, m *metrics.Metrics) *Validator {
	v := &Validator{
		logger:     logger,
		metrics:    m,
		stats:      make(map[Opcode]*opStats),
		failureLog: rate.NewLimiter(rate.Limit(5), 20),
	}

	v.schemas = map[Opcode]validateFunc{
		OpMove:             v.validateMove,
		OpAttack:           v.validateAttack,
		OpChat:             v.validateChat,
		OpHeartbeat:        v.validateHeartbeat,
		OpStoreTransaction: v.validateStore,
		OpRegister:         v.validateRegister,
		OpPlaceBuilding:    v.validateBuild,
		OpUpgrade:          v.validateUpgrade,
		OpPing:             v.validatePing,
	}

	return v
}

// ValidatePacket validates and sanitizes one payload. It never panics
// outward: an internal failure in a schema routine becomes a generic
// validation failure.
func (v *Validator) ValidatePacket(op Opcode, payload []interface{}, ctx Context) (result Result) {
	defer errors.Recover(v.logger, "validator", func() {
		result = v.fail(op, ctx, "internal validation error")
	})

	schema, ok := v.schemas[op]
	if !ok {
		return v.fail(op, ctx, "unrecognized opcode")
	}

	sanitized, reason := schema(payload)
	if reason != "" {
		return v.fail(op, ctx, reason)
	}

	v.recordOutcome(op, true)
	v.metrics.PacketValidated(op.String(), "valid")
	return Result{Valid: true, Sanitized: sanitized}
}

// Stats returns per-opcode pass/fail counters.
func (v *Validator) Stats() map[string]interface{} {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()

	out := make(map[string]interface{}, len(v.stats))
	for op, s := range v.stats {
		out[op.String()] = map[string]interface{}{
			"passed": s.passed,
			"failed": s.failed,
		}
	}
	return out
}

func (v *Validator) fail(op Opcode, ctx Context, reason string) Result {
	v.recordOutcome(op, false)
	v.metrics.PacketValidated(op.String(), "invalid")

	if v.failureLog.Allow() {
		v.logger.Warn("packet validation failed",
			zap.String("opcode", op.String()),
			zap.String("connection_id", ctx.ConnectionID),
			zap.String("source_address", ctx.SourceAddress),
			zap.String("reason", reason),
		)
	}

	return Result{Valid: false, Reason: reason}
}

func (v *Validator) recordOutcome(op Opcode, passed bool) {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	s, ok := v.stats[op]
	if !ok {
		s = &opStats{}
		v.stats[op] = s
	}
	if passed {
		s.passed++
	} else {
		s.failed++
	}
}

// Per-opcode schemas. Structural checks (arity, required types) run before
// any field-level rule.

func (v *Validator) validateMove(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 1 {
		return nil, "move requires exactly one field"
	}
	dir, ok := numField(payload[0])
	if !ok {
		return nil, "direction must be a finite number"
	}
	return []interface{}{clamp(dir, -MaxDirection, MaxDirection)}, ""
}

func (v *Validator) validateAttack(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 2 {
		return nil, "attack requires two fields"
	}
	// Advisory flag: permissive coercion is acceptable here.
	active := truthy(payload[0])
	dir, ok := numField(payload[1])
	if !ok {
		return nil, "attack direction must be a finite number"
	}
	return []interface{}{active, clamp(dir, -MaxDirection, MaxDirection)}, ""
}

func (v *Validator) validateChat(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 1 {
		return nil, "chat requires exactly one field"
	}
	raw, ok := payload[0].(string)
	if !ok {
		return nil, "chat message must be a string"
	}
	msg := SanitizeString(raw, MaxChatLength)
	if msg == "" {
		return nil, "chat message empty after sanitization"
	}
	return []interface{}{msg}, ""
}

func (v *Validator) validateHeartbeat(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 3 {
		return nil, "heartbeat requires three fields"
	}
	mouse, ok := numField(payload[0])
	if !ok || mouse < 0 {
		return nil, "mouse movement count must be a non-negative number"
	}
	keys, ok := numField(payload[1])
	if !ok || keys < 0 {
		return nil, "keystroke count must be a non-negative number"
	}
	rawClicks, ok := payload[2].([]interface{})
	if !ok {
		return nil, "click timestamps must be a list"
	}
	if len(rawClicks) > MaxClickSamples {
		rawClicks = rawClicks[len(rawClicks)-MaxClickSamples:]
	}
	clicks := make([]float64, 0, len(rawClicks))
	for _, c := range rawClicks {
		ts, ok := numField(c)
		if !ok || ts < 0 {
			return nil, "click timestamp must be a non-negative number"
		}
		clicks = append(clicks, ts)
	}
	return []interface{}{math.Floor(mouse), math.Floor(keys), clicks}, ""
}

func (v *Validator) validateStore(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 2 {
		return nil, "store transaction requires two fields"
	}
	// Transaction type drives money movement: strict equality against the
	// allowed set, never truthy coercion.
	txType, ok := strictIntField(payload[0], 0, 1)
	if !ok {
		return nil, "transaction type must be exactly 0 or 1"
	}
	itemID, ok := numField(payload[1])
	if !ok || itemID != math.Trunc(itemID) || itemID < 0 || itemID > MaxItemID {
		return nil, fmt.Sprintf("item id must be an integer in [0,%d]", MaxItemID)
	}
	return []interface{}{txType, int(itemID)}, ""
}

func (v *Validator) validateRegister(payload []interface{}) ([]interface{}, string) {
	if len(payload) < 2 || len(payload) > 4 {
		return nil, "registration requires two to four fields"
	}

	rawUser, ok := payload[0].(string)
	if !ok {
		return nil, "username must be a string"
	}
	username := SanitizeString(rawUser, MaxUsernameLen)
	if len(username) < MinUsernameLen {
		return nil, "username too short after sanitization"
	}

	password, ok := payload[1].(string)
	if !ok {
		return nil, "password must be a string"
	}
	// Passwords are never sanitized, only bounded: they are hashed, not
	// rendered.
	if len(password) < MinPasswordLen || len(password) > MaxPasswordLen {
		return nil, "password length out of bounds"
	}

	displayName := DefaultNameValue
	if len(payload) >= 3 {
		rawName, ok := payload[2].(string)
		if !ok {
			return nil, "display name must be a string"
		}
		if name := SanitizeString(rawName, MaxDisplayName); name != "" {
			displayName = name
		}
	}

	email := ""
	if len(payload) == 4 {
		rawEmail, ok := payload[3].(string)
		if !ok {
			return nil, "email must be a string"
		}
		email = SanitizeString(rawEmail, MaxEmailLen)
	}

	return []interface{}{username, password, displayName, email}, ""
}

func (v *Validator) validateBuild(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 4 {
		return nil, "build placement requires four fields"
	}
	itemID, ok := numField(payload[0])
	if !ok || itemID != math.Trunc(itemID) || itemID < 0 || itemID > MaxItemID {
		return nil, fmt.Sprintf("item id must be an integer in [0,%d]", MaxItemID)
	}
	x, ok := numField(payload[1])
	if !ok {
		return nil, "x coordinate must be a finite number"
	}
	y, ok := numField(payload[2])
	if !ok {
		return nil, "y coordinate must be a finite number"
	}
	angle, ok := numField(payload[3])
	if !ok {
		return nil, "placement angle must be a finite number"
	}
	return []interface{}{
		int(itemID),
		clamp(x, 0, MapExtent),
		clamp(y, 0, MapExtent),
		clamp(angle, -MaxDirection, MaxDirection),
	}, ""
}

func (v *Validator) validateUpgrade(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 1 {
		return nil, "upgrade requires exactly one field"
	}
	id, ok := numField(payload[0])
	if !ok || id != math.Trunc(id) || id < 0 || id > MaxUpgradeID {
		return nil, fmt.Sprintf("upgrade id must be an integer in [0,%d]", MaxUpgradeID)
	}
	return []interface{}{int(id)}, ""
}

func (v *Validator) validatePing(payload []interface{}) ([]interface{}, string) {
	if len(payload) != 0 {
		return nil, "ping carries no payload"
	}
	return []interface{}{}, ""
}

// Field helpers.

func numField(v interface{}) (float64, bool) {
	var x float64
	switch n := v.(type) {
	case float64:
		x = n
	case float32:
		x = float64(n)
	case int:
		x = float64(n)
	case int64:
		x = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	return x, true
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// strictIntField accepts only a number exactly equal to one of the allowed
// values.
func strictIntField(v interface{}, allowed ...int) (int, bool) {
	x, ok := numField(v)
	if !ok || x != math.Trunc(x) {
		return 0, false
	}
	n := int(x)
	for _, a := range allowed {
		if n == a {
			return n, true
		}
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != "" && t != "0" && t != "false"
	default:
		return false
	}
}
