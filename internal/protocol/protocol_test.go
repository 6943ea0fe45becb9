package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind MessageType
	}{
		{"connected", `{"type":"connected","payload":{"message":"hi","clientId":"c1"}}`, MsgConnected},
		{"stock", `{"type":"stock_update","payload":{"type":"stock_added","itemId":"42","newQuantity":15}}`, MsgStockUpdate},
		{"item stock", `{"type":"item_stock_update","payload":{"itemId":"42"}}`, MsgItemStockUpdate},
		{"alert", `{"type":"alert","payload":{"severity":"warning"}}`, MsgAlert},
		{"critical", `{"type":"critical_alert","payload":{"severity":"critical"}}`, MsgCriticalAlert},
		{"notification", `{"type":"notification","payload":{"id":"n1","title":"t"}}`, MsgNotification},
		{"dashboard", `{"type":"dashboard_update","payload":{"totalItems":3}}`, MsgDashboardUpdate},
		{"auth error", `{"type":"auth_error","payload":{"message":"expired"}}`, MsgAuthError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if env.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", env.Kind, tt.kind)
			}
			if env.Payload.kind() != tt.kind {
				t.Errorf("payload kind = %q, want %q", env.Payload.kind(), tt.kind)
			}
		})
	}
}

func TestDecodeStockUpdateFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"stock_update","timestamp":"2024-05-01T10:00:00Z",
		"payload":{"type":"stock_added","itemId":"42","itemName":"Widget","previousQuantity":10,"newQuantity":15,"userId":"u1"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, ok := env.Payload.(StockUpdatePayload)
	if !ok {
		t.Fatalf("payload type = %T", env.Payload)
	}
	if p.ItemID != "42" || p.Type != "stock_added" {
		t.Errorf("unexpected payload %+v", p)
	}
	if p.NewQuantity == nil || *p.NewQuantity != 15 {
		t.Errorf("NewQuantity = %v, want 15", p.NewQuantity)
	}
	if p.PreviousQuantity == nil || *p.PreviousQuantity != 10 {
		t.Errorf("PreviousQuantity = %v, want 10", p.PreviousQuantity)
	}
	if p.IsScoped() {
		t.Error("stock_update should not be scoped")
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if !env.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", env.Timestamp, want)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"inventory_exploded","payload":{}}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	_, err := Decode([]byte(`{"type":"alert","payload":"oops"}`))
	if err == nil || errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want payload decode error", err)
	}
}

func TestEncodeRoundTripKeepsCriticalKind(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env := NewEnvelope(AlertPayload{Severity: SeverityCritical, ItemID: "7", Message: "Out of stock"}.Critical(), at)
	if env.Kind != MsgCriticalAlert {
		t.Fatalf("Kind = %q, want critical_alert", env.Kind)
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p := got.Payload.(AlertPayload)
	if got.Kind != MsgCriticalAlert || !p.IsCritical() || p.Message != "Out of stock" {
		t.Errorf("round trip lost data: %+v", got)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, at)
	}
}

func TestEncodeOutboundStringPayload(t *testing.T) {
	data, err := Encode(MsgSubscribeItem, "42", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != MsgSubscribeItem || string(f.Payload) != `"42"` || f.Timestamp != "" {
		t.Errorf("unexpected frame %+v", f)
	}
}

func TestDashboardPayloadIsOpaque(t *testing.T) {
	raw := `{"type":"dashboard_update","payload":{"anything":[1,2,3]}}`
	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	d := env.Payload.(DashboardUpdatePayload)
	if string(d.Raw) != `{"anything":[1,2,3]}` {
		t.Errorf("Raw = %s", d.Raw)
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleAdmin, RoleManager, RoleStaff, RoleViewer} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Role("owner").Valid() {
		t.Error("owner should not be valid")
	}
}
