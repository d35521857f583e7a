package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// setScalar replaces the scalar at the dotted field path inside a YAML
// document and returns the patched document plus the previous value.
//
// The replacement is surgical: only the one scalar token changes, the
// rest of the file is preserved byte for byte, including comments,
// ordering and indentation. Re-marshalling the whole document would
// destroy all of that.
func setScalar(doc []byte, fieldPath, newValue string) ([]byte, string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, "", fmt.Errorf("%w: invalid YAML: %v", ErrManifestNotFound, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, "", fmt.Errorf("%w: empty document", ErrManifestNotFound)
	}

	node, err := resolvePath(root.Content[0], fieldPath)
	if err != nil {
		return nil, "", err
	}
	if node.Kind != yaml.ScalarNode {
		return nil, "", fmt.Errorf("%w: field %q is not a scalar", ErrManifestNotFound, fieldPath)
	}

	oldValue := node.Value
	if oldValue == newValue {
		return doc, oldValue, nil
	}

	patched, err := spliceScalar(doc, node, newValue)
	if err != nil {
		return nil, "", err
	}

	return patched, oldValue, nil
}

// resolvePath walks a dotted path through mappings and sequences.
// Numeric segments index sequences.
func resolvePath(node *yaml.Node, fieldPath string) (*yaml.Node, error) {
	current := node
	for _, segment := range strings.Split(fieldPath, ".") {
		if segment == "" {
			return nil, fmt.Errorf("%w: empty path segment in %q", ErrManifestNotFound, fieldPath)
		}

		switch current.Kind {
		case yaml.MappingNode:
			var next *yaml.Node
			// Mapping content alternates key, value.
			for i := 0; i+1 < len(current.Content); i += 2 {
				if current.Content[i].Value == segment {
					next = current.Content[i+1]
					break
				}
			}
			if next == nil {
				return nil, fmt.Errorf("%w: key %q not found", ErrManifestNotFound, segment)
			}
			current = next

		case yaml.SequenceNode:
			idx, err := strconv.Atoi(segment)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a sequence index", ErrManifestNotFound, segment)
			}
			if idx < 0 || idx >= len(current.Content) {
				return nil, fmt.Errorf("%w: index %d out of range", ErrManifestNotFound, idx)
			}
			current = current.Content[idx]

		default:
			return nil, fmt.Errorf("%w: cannot descend into scalar at %q", ErrManifestNotFound, segment)
		}
	}
	return current, nil
}

// spliceScalar rewrites the single line holding the scalar, preserving the
// node's quoting style.
func spliceScalar(doc []byte, node *yaml.Node, newValue string) ([]byte, error) {
	lines := strings.Split(string(doc), "\n")
	if node.Line < 1 || node.Line > len(lines) {
		return nil, fmt.Errorf("%w: node position out of range", ErrManifestNotFound)
	}

	line := lines[node.Line-1]
	col := node.Column - 1
	if col < 0 || col > len(line) {
		return nil, fmt.Errorf("%w: node position out of range", ErrManifestNotFound)
	}

	oldToken, newToken, err := renderTokens(node, newValue)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(line[col:], oldToken) {
		return nil, fmt.Errorf("%w: document layout does not match parsed position", ErrManifestNotFound)
	}

	lines[node.Line-1] = line[:col] + newToken + line[col+len(oldToken):]
	return []byte(strings.Join(lines, "\n")), nil
}

// renderTokens produces the on-disk token for the current scalar and the
// replacement, keeping the original quoting style.
func renderTokens(node *yaml.Node, newValue string) (string, string, error) {
	switch node.Style {
	case 0, yaml.TaggedStyle:
		return node.Value, newValue, nil
	case yaml.SingleQuotedStyle:
		return "'" + strings.ReplaceAll(node.Value, "'", "''") + "'",
			"'" + strings.ReplaceAll(newValue, "'", "''") + "'", nil
	case yaml.DoubleQuotedStyle:
		return strconv.Quote(node.Value), strconv.Quote(newValue), nil
	default:
		return "", "", fmt.Errorf("%w: unsupported scalar style for in-place update", ErrManifestNotFound)
	}
}
