package model

// Operation selects how an attribute filter compares values.
type Operation string

const (
	OperationEquals Operation = "EQUALS"
	OperationRegex  Operation = "REGEX"
)

// AttributeFilter narrows a product lookup by one attribute.
// An empty Operation means OperationEquals.
type AttributeFilter struct {
	Key       string    `json:"key" yaml:"key"`
	Value     string    `json:"value" yaml:"value"`
	Operation Operation `json:"operation,omitempty" yaml:"operation,omitempty"`
}

// ProductFilter is the request envelope for a product query.
type ProductFilter struct {
	Attributes []AttributeFilter `json:"attributes" yaml:"attributes"`
}
