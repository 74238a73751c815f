package model

import "testing"

func TestSignatureValidate(t *testing.T) {
	good := Signature{
		ID:            "S-001",
		Condition:     "liquidity is swept",
		Action:        "wait for displacement",
		SourceRef:     "ep3 12:40",
		VerbatimQuote: "after the sweep you wait",
		Drawer:        DrawerEntryModel,
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Signature)
	}{
		{"missing source_ref", func(s *Signature) { s.SourceRef = "" }},
		{"missing quote", func(s *Signature) { s.VerbatimQuote = "  " }},
		{"missing condition", func(s *Signature) { s.Condition = "" }},
		{"missing action", func(s *Signature) { s.Action = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sig := good
			tc.mutate(&sig)
			if err := sig.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLogicKeyNormalization(t *testing.T) {
	a := Signature{Condition: "Price Sweeps Liquidity!", Action: "Wait  for displacement."}
	b := Signature{Condition: "price sweeps liquidity", Action: "wait for displacement"}
	if a.LogicKey() != b.LogicKey() {
		t.Errorf("keys differ: %q vs %q", a.LogicKey(), b.LogicKey())
	}

	c := Signature{Condition: "price sweeps liquidity", Action: "enter immediately"}
	if a.LogicKey() == c.LogicKey() {
		t.Error("different logic should not share a key")
	}
}

func TestDrawerNames(t *testing.T) {
	if got := DrawerHTFBias.String(); got != "HTF_BIAS" {
		t.Errorf("DrawerHTFBias.String() = %q", got)
	}
	if Drawer(0).Valid() || Drawer(6).Valid() {
		t.Error("out-of-range drawers must be invalid")
	}
	if len(Drawers()) != 5 {
		t.Errorf("expected 5 drawers, got %d", len(Drawers()))
	}
}
