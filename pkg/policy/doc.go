// Package policy checks graph documents against Rego policies with Open Policy Agent.
//
// A policy is a Rego module whose package defines a deny set. Each element is either a
// message string or an object with message, subject and severity fields:
//
//	package zengraph.policies.naming
//
//	import rego.v1
//
//	deny contains violation if {
//		some node in input.document.main.nodes
//		startswith(node.name, "tmp")
//		violation := {"message": sprintf("temporary node %s", [node.name]), "subject": node.name}
//	}
//
// The input is an Input: the document as it would be saved, plus the registered node
// class names. Violations of severity error or critical make the document not allowed.
//
// The engine starts with these built-in policies:
//
//   - unknown-classes: node classes must be registered classes or document assets
//   - unused-assets: every asset should be instantiated somewhere
//   - view-node: a non-empty main graph should have a view node
//
// Custom policies are loaded from .rego files, named after the file, or from .json
// files holding a Policy.
package policy
