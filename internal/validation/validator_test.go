package validation

import (
	"errors"
	"strings"
	"testing"
)

type uplinkRequest struct {
	FPort     int    `json:"f_port" validate:"required,min=1,max=223"`
	Data      string `json:"data" validate:"omitempty,hexadecimal,max=484"`
	Mode      string `json:"mode" validate:"omitempty,oneof=OTAA ABP"`
	Key       string `json:"key,omitempty" validate:"len=4"`
	Confirmed *bool  `json:"confirmed" validate:"required"`
	Ignored   string
}

func TestValidate(t *testing.T) {
	yes := true
	valid := func() uplinkRequest {
		return uplinkRequest{FPort: 10, Data: "cafe", Mode: "OTAA", Key: "abcd", Confirmed: &yes}
	}

	tests := []struct {
		name   string
		modify func(*uplinkRequest)
		field  string
		rule   string
	}{
		{name: "valid", modify: func(*uplinkRequest) {}},
		{name: "false pointer", modify: func(r *uplinkRequest) { no := false; r.Confirmed = &no }},
		{name: "empty mode", modify: func(r *uplinkRequest) { r.Mode = "" }},
		{name: "missing port", modify: func(r *uplinkRequest) { r.FPort = 0 }, field: "f_port", rule: "required"},
		{name: "port too high", modify: func(r *uplinkRequest) { r.FPort = 224 }, field: "f_port", rule: "max"},
		{name: "port negative", modify: func(r *uplinkRequest) { r.FPort = -1 }, field: "f_port", rule: "min"},
		{name: "empty data", modify: func(r *uplinkRequest) { r.Data = "" }},
		{name: "not hex", modify: func(r *uplinkRequest) { r.Data = "zz" }, field: "data", rule: "hexadecimal"},
		{name: "data too long", modify: func(r *uplinkRequest) { r.Data = strings.Repeat("ab", 243) }, field: "data", rule: "max"},
		{name: "unknown mode", modify: func(r *uplinkRequest) { r.Mode = "P2P" }, field: "mode", rule: "oneof"},
		{name: "bad len", modify: func(r *uplinkRequest) { r.Key = "abc" }, field: "key", rule: "len"},
		{name: "nil pointer", modify: func(r *uplinkRequest) { r.Confirmed = nil }, field: "confirmed", rule: "required"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.modify(&req)

			err := v.Validate(&req)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}

			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FieldError", err)
			}
			if fe.Field != tt.field || fe.Rule != tt.rule {
				t.Errorf("failed %s/%s, want %s/%s", fe.Field, fe.Rule, tt.field, tt.rule)
			}
		})
	}
}

func TestValidateRejectsNonStruct(t *testing.T) {
	if err := NewValidator().Validate(42); err == nil {
		t.Fatal("validated an int")
	}
}
