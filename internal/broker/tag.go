package broker

import "strings"

// Role identifies which leg of a trade an order belongs to, used both for
// OrderLink.Role and for deriving the broker order tag.
type Role string

const (
	RoleEntry           Role = "ENTRY"
	RoleSL              Role = "SL"
	RoleTP1             Role = "TP1"
	RoleTarget          Role = "TARGET"
	RolePanicExit       Role = "PANIC_EXIT"
	RoleBrokerSquareoff Role = "BROKER_SQUAREOFF"
)

// roleCode is the one-letter tag suffix for each order role.
var roleCode = map[Role]byte{
	RoleEntry:     'E',
	RoleSL:        'S',
	RoleTarget:    'T',
	RolePanicExit: 'P',
	RoleTP1:       '1',
}

const maxTagLen = 20

// Tag derives the deterministic order tag "T" + first 18 chars of tradeId
// (hyphens stripped) + one-letter role code, used for idempotent
// re-submission after a retryable place error.
func Tag(tradeID string, role Role) string {
	stripped := strings.ReplaceAll(tradeID, "-", "")
	code, ok := roleCode[role]
	if !ok {
		code = '?'
	}
	budget := maxTagLen - 2 // 'T' prefix + role byte
	if len(stripped) > budget {
		stripped = stripped[:budget]
	}
	tag := "T" + stripped + string(code)
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	return tag
}

// FindByTag scans recent broker orders for one whose tag matches, used to
// detect a duplicate before blindly re-submitting after a retryable error.
func FindByTag(orders []Order, tag string) (Order, bool) {
	for _, o := range orders {
		if o.Tag == tag {
			return o, true
		}
	}
	return Order{}, false
}
