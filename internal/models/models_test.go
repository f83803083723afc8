package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(Message{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "SessionID", "not null")
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "Direction", "index")
	assertGormTag(t, typ, "Scheduled", "default:false")
	assertGormTag(t, typ, "Scheduled", "index")
	assertGormTag(t, typ, "ScheduledStatus", "default:sent")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "ProtocolID", "index")

	assertFieldType(t, typ, "SenderID", "*string")
	assertFieldType(t, typ, "ScheduledTime", "*time.Time")
	assertFieldType(t, typ, "SentAt", "*time.Time")
}

func TestSessionRecord_Fields(t *testing.T) {
	typ := reflect.TypeOf(SessionRecord{})

	assertGormTag(t, typ, "SessionID", "uniqueIndex")
	assertGormTag(t, typ, "UserID", "not null")
	assertGormTag(t, typ, "IsLoggedIn", "default:true")
	assertFieldType(t, typ, "LoginTime", "*time.Time")
	assertFieldType(t, typ, "LogoutTime", "*time.Time")
}

func TestMessage_IsTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusPending, false},
		{StatusSent, false},
		{StatusScheduledSent, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		m := Message{ScheduledStatus: tt.status}
		if got := m.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
