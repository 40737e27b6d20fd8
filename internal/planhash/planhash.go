// Package planhash computes the tamper-evidence anchor for an approved plan:
// a SHA-256 digest over the canonical JSON form of the plan's contract
// fields. The hash is computed exactly once, at approval, and never
// recomputed.
package planhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/planledger-labs/planledger-go/internal/domain"
)

// Canonicalize serializes the plan's contract — title, objective, spec,
// sorted tags and metadata — with lexicographically sorted keys at every
// nesting level. Run state (id, status, execution, integrity, timestamps) is
// deliberately excluded. Semantically identical plans produce byte-identical
// output regardless of field insertion order.
func Canonicalize(plan domain.Plan) (string, error) {
	spec, err := toCanonicalValue(plan.Spec)
	if err != nil {
		return "", fmt.Errorf("canonicalize spec: %w", err)
	}
	metadata, err := toCanonicalValue(plan.Metadata.Clone())
	if err != nil {
		return "", fmt.Errorf("canonicalize metadata: %w", err)
	}

	tags := make([]string, 0, len(plan.Tags))
	tags = append(tags, plan.Tags...)
	sort.Strings(tags)

	contract := map[string]any{
		"title":     plan.Title,
		"objective": plan.Objective,
		"spec":      spec,
		"tags":      tags,
		"metadata":  metadata,
	}
	out, err := json.Marshal(contract)
	if err != nil {
		return "", fmt.Errorf("canonicalize contract: %w", err)
	}
	return string(out), nil
}

// Hash returns the hex-encoded SHA-256 digest of the canonical contract.
func Hash(plan domain.Plan) (string, error) {
	canonical, err := Canonicalize(plan)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// toCanonicalValue round-trips a value through JSON so it is represented as
// maps and slices; encoding/json then emits map keys in sorted order at every
// level when the contract is marshaled.
func toCanonicalValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out, nil
}
