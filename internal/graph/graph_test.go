package graph

import "testing"

func TestParseJSON(t *testing.T) {
	data := []byte(`{
		"3": {"class_type": "KSampler", "inputs": {
			"seed": 123,
			"model": ["1", 0],
			"sampler_name": "dpmpp_2m",
			"options": {"flag": true},
			"stack": [["a", 0.5], ["b", 0.6]]
		}},
		"1": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "m.safetensors"}}
	}`)
	g, err := ParseJSON(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	node, ok := g.Node(3)
	if !ok {
		t.Fatalf("node 3 missing")
	}
	if v, _ := node.Input("model"); v.Kind != KindRef || v.Ref.Source != 1 {
		t.Fatalf("model input must decode as reference, got %+v", v)
	}
	if v, _ := node.Input("seed"); v.Kind != KindScalar {
		t.Fatalf("seed must be scalar")
	}
	if v, _ := node.Input("options"); v.Kind != KindNested {
		t.Fatalf("options must be nested")
	}
	if v, _ := node.Input("stack"); v.Kind != KindList {
		t.Fatalf("a list of pairs whose head is a string stays a list, got %v", v.Kind)
	}
}

func TestInputValue_Coercions(t *testing.T) {
	if s, ok := Scalar("x").AsString(); !ok || s != "x" {
		t.Fatalf("string coercion failed")
	}
	if s, ok := List(Scalar("first"), Scalar("second")).AsString(); !ok || s != "first" {
		t.Fatalf("list coercion must take the first scalar, got %q", s)
	}
	if n, ok := Scalar(float64(20)).AsInt(); !ok || n != 20 {
		t.Fatalf("int coercion failed")
	}
	if _, ok := RefTo(1, 0).FirstScalar(); ok {
		t.Fatalf("references have no scalar form")
	}
}

func TestAsString_LargeSeedVerbatim(t *testing.T) {
	// 10^15 arrives as a JSON float; it must not render in exponent form.
	if s, _ := Scalar(float64(1e15)).AsString(); s != "1000000000000000" {
		t.Fatalf("seed rendered as %q", s)
	}
	if s, _ := Scalar(0.97).AsString(); s != "0.97" {
		t.Fatalf("fraction rendered as %q", s)
	}
	if s, _ := Scalar(float64(1)).AsString(); s != "1" {
		t.Fatalf("unit rendered as %q", s)
	}
}
