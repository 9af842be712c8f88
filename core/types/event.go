package types

// Event is the wire form of a settlement event: a dotted type name such as
// "loan.repaid" plus flat string attributes. Amounts travel as base-unit
// decimal strings and addresses as hex so the payload survives JSON intact.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
