package manifest

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrNotMapping reports a well-formed YAML document whose root is not
// a mapping. Callers distinguish it from malformed YAML.
var ErrNotMapping = errors.New("manifest root is not a mapping")

// Parse decodes a YAML manifest body into a Document, preserving the
// mapping order of the source text at every nesting level.
func Parse(body []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(body, &root); err != nil {
		return nil, err
	}
	node := &root
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, fmt.Errorf("empty manifest document")
		}
		node = node.Content[0]
	}
	v, err := nodeToValue(node)
	if err != nil {
		return nil, err
	}
	doc, ok := v.(*Document)
	if !ok {
		return nil, fmt.Errorf("%w (got %s)", ErrNotMapping, nodeKindName(node))
	}
	return doc, nil
}

// Serialize encodes the document back to YAML with keys emitted in
// insertion order.
func Serialize(d *Document) ([]byte, error) {
	node, err := valueToNode(d)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(node)
}

// MarshalYAML implements yaml.Marshaler so a Document nested inside
// other structures serializes in key order.
func (d *Document) MarshalYAML() (any, error) {
	return valueToNode(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Document) UnmarshalYAML(value *yaml.Node) error {
	v, err := nodeToValue(value)
	if err != nil {
		return err
	}
	doc, ok := v.(*Document)
	if !ok {
		return fmt.Errorf("cannot unmarshal %s into a manifest mapping", nodeKindName(value))
	}
	d.keys = doc.keys
	d.values = doc.values
	return nil
}

func nodeToValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.MappingNode:
		doc := New()
		for i := 0; i+1 < len(n.Content); i += 2 {
			keyNode, valNode := n.Content[i], n.Content[i+1]
			var key string
			if err := keyNode.Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: mapping key: %w", keyNode.Line, err)
			}
			v, err := nodeToValue(valNode)
			if err != nil {
				return nil, err
			}
			doc.Set(key, v)
		}
		return doc, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := nodeToValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: scalar: %w", n.Line, err)
		}
		return v, nil
	case yaml.AliasNode:
		return nodeToValue(n.Alias)
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node kind %d", n.Line, n.Kind)
	}
}

func valueToNode(v any) (*yaml.Node, error) {
	switch val := v.(type) {
	case *Document:
		if val == nil {
			return nullNode(), nil
		}
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range val.keys {
			keyNode := &yaml.Node{}
			if err := keyNode.Encode(k); err != nil {
				return nil, err
			}
			valNode, err := valueToNode(val.values[k])
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, keyNode, valNode)
		}
		return node, nil
	case []any:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range val {
			itemNode, err := valueToNode(item)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, itemNode)
		}
		return node, nil
	case map[string]any:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range sortedMapKeys(val) {
			keyNode := &yaml.Node{}
			if err := keyNode.Encode(k); err != nil {
				return nil, err
			}
			valNode, err := valueToNode(val[k])
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, keyNode, valNode)
		}
		return node, nil
	case nil:
		return nullNode(), nil
	default:
		node := &yaml.Node{}
		if err := node.Encode(v); err != nil {
			return nil, err
		}
		return node, nil
	}
}

func nullNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

func nodeKindName(n *yaml.Node) string {
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
