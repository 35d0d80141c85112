package strategy

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Descriptor is the closed set of tab-loading strategies. Each variant
// carries exactly the fields needed to execute it; values come from
// configuration and are never mutated at runtime.
type Descriptor interface {
	Kind() string
}

// Strategy kind tags used in configuration.
const (
	KindChild               = "child"
	KindChildView           = "child_view"
	KindChildWithDictionary = "child_with_dictionary"
	KindMainFiltered        = "main_filtered"
	KindRpc                 = "rpc"
)

// Child reads child records of the parent from a replicated local
// collection.
type Child struct {
	Collection string `mapstructure:"collection" validate:"required"`
	OrderField string `mapstructure:"order_field"`
	Descending bool   `mapstructure:"descending"`
	Limit      int    `mapstructure:"limit"`
}

// Kind implements Descriptor.
func (Child) Kind() string { return KindChild }

// ChildView reads from a pre-joined remote view replicated locally. When
// paginating it keysets directly on the view instead of re-probing by id
// set, because join-heavy views are expensive to probe.
type ChildView struct {
	View        string `mapstructure:"view" validate:"required"`
	ParentField string `mapstructure:"parent_field"`
	OrderField  string `mapstructure:"order_field"`
	Descending  bool   `mapstructure:"descending"`
	Limit       int    `mapstructure:"limit"`
}

// Kind implements Descriptor.
func (ChildView) Kind() string { return KindChildView }

// MainFiltered reads a dictionary namespace through the ID-first cache,
// constrained to rows whose FilterField equals the parent id.
type MainFiltered struct {
	Namespace   string `mapstructure:"namespace" validate:"required"`
	IDField     string `mapstructure:"id_field"`
	NameField   string `mapstructure:"name_field"`
	FilterField string `mapstructure:"filter_field" validate:"required"`
	Limit       int    `mapstructure:"limit"`
}

// Kind implements Descriptor.
func (MainFiltered) Kind() string { return KindMainFiltered }

// Rpc invokes a named remote procedure. It is the only strategy that reads
// remote state directly: its results are never stored as collection rows.
type Rpc struct {
	Procedure string         `mapstructure:"procedure" validate:"required"`
	Params    map[string]any `mapstructure:"params"`
}

// Kind implements Descriptor.
func (Rpc) Kind() string { return KindRpc }

// DictionaryMerge configures the reference set joined onto child records.
type DictionaryMerge struct {
	Namespace string `mapstructure:"namespace" validate:"required"`
	IDField   string `mapstructure:"id_field"`
	NameField string `mapstructure:"name_field"`
	// LinkField names the child field holding the dictionary item id.
	// A descriptor without it is a configuration error.
	LinkField string `mapstructure:"link_field"`
	ShowAll   bool   `mapstructure:"show_all"`
	Search    string `mapstructure:"search"`
	Limit     int    `mapstructure:"limit"`
}

// ChildWithDictionary loads child records and merges them with a dictionary
// under one of two policies: every dictionary item annotated with
// achievement state (ShowAll), or every child annotated with its resolved
// dictionary item.
type ChildWithDictionary struct {
	Child      Child           `mapstructure:"child"`
	Dictionary DictionaryMerge `mapstructure:"dictionary"`
}

// Kind implements Descriptor.
func (ChildWithDictionary) Kind() string { return KindChildWithDictionary }

// ErrUnknownKind is returned when a configured descriptor names no known
// strategy.
var ErrUnknownKind = errors.New("strategy: unknown descriptor type")

var validate = validator.New()

// DecodeDescriptor builds a Descriptor from its configuration map form.
func DecodeDescriptor(raw map[string]any) (Descriptor, error) {
	kind, _ := raw["type"].(string)

	var target Descriptor
	switch kind {
	case KindChild:
		target = &Child{}
	case KindChildView:
		target = &ChildView{}
	case KindChildWithDictionary:
		target = &ChildWithDictionary{}
	case KindMainFiltered:
		target = &MainFiltered{}
	case KindRpc:
		target = &Rpc{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("strategy: decode %s descriptor: %w", kind, err)
	}
	if err := validate.Struct(target); err != nil {
		return nil, fmt.Errorf("strategy: invalid %s descriptor: %w", kind, err)
	}

	switch d := target.(type) {
	case *Child:
		return *d, nil
	case *ChildView:
		return *d, nil
	case *ChildWithDictionary:
		return *d, nil
	case *MainFiltered:
		return *d, nil
	case *Rpc:
		return *d, nil
	}
	return nil, ErrUnknownKind
}
