package policy

// GetBuiltinPolicies returns the policies every engine starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		unknownClassesPolicy(),
		unusedAssetsPolicy(),
		viewNodePolicy(),
	}
}

// unknownClassesPolicy reports nodes whose class is neither registered nor an asset of
// the document, with every offender listed at once.
func unknownClassesPolicy() Policy {
	return Policy{
		Name:        "unknown-classes",
		Description: "Every node class must be a registered class or an asset of the document",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"classes"},
		Rego: `package zengraph.policies.classes

import rego.v1

known contains c if {
	some c in input.classes
}

known contains a.name if {
	some a in input.document.assets
}

deny contains violation if {
	walk(input.document, [_, node])
	is_object(node)
	is_string(node.class)
	not known[node.class]
	violation := {
		"message": sprintf("node %s uses unknown class %s", [node.name, node.class]),
		"subject": node.name,
	}
}
`,
	}
}

// unusedAssetsPolicy reports assets that no graph of the document instantiates.
func unusedAssetsPolicy() Policy {
	return Policy{
		Name:        "unused-assets",
		Description: "Assets should be instantiated by the main graph or another asset",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"assets"},
		Rego: `package zengraph.policies.assets

import rego.v1

used contains node.class if {
	walk(input.document, [_, node])
	is_object(node)
	is_string(node.class)
}

deny contains violation if {
	some asset in input.document.assets
	not used[asset.name]
	violation := {
		"message": sprintf("asset %s is never instantiated", [asset.name]),
		"subject": asset.name,
	}
}
`,
	}
}

// viewNodePolicy reports a non-empty main graph without a view node.
func viewNodePolicy() Policy {
	return Policy{
		Name:        "view-node",
		Description: "The main graph should flag at least one node for viewing",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"view"},
		Rego: `package zengraph.policies.view

import rego.v1

has_view if {
	some node in input.document.main.nodes
	node.view == true
}

deny contains violation if {
	count(input.document.main.nodes) > 0
	not has_view
	violation := {
		"message": "main graph has no view node",
		"subject": "main",
	}
}
`,
	}
}
