package vectorstore

import (
	"strings"
	"testing"
)

func TestIsValidTableName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"Valid standard", "oracle_reports", true},
		{"Valid with underscore", "report_archive", true},
		{"Valid with numbers", "archive2024", true},
		{"Valid leading underscore", "_staging", true},
		{"Valid max length", "a" + strings.Repeat("b", 62), true}, // 63 chars
		{"Invalid start with number", "1reports", false},
		{"Invalid start with uppercase", "Reports", false},
		{"Invalid special chars", "oracle-reports", false},
		{"Invalid space", "oracle reports", false},
		{"Invalid SQL injection", "reports; DROP TABLE reports", false},
		{"Invalid empty", "", false},
		{"Invalid too long", "a" + strings.Repeat("b", 63), false}, // 64 chars
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidTableName(tt.input); got != tt.expected {
				t.Errorf("isValidTableName(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewArchiveStoreValidatesName(t *testing.T) {
	if _, err := NewArchiveStore(nil, "oracle-reports"); err == nil {
		t.Fatal("expected error for invalid collection name")
	}
	store, err := NewArchiveStore(nil, "oracle_reports")
	if err != nil {
		t.Fatalf("unexpected error for valid collection name: %v", err)
	}
	if store.tableName != "oracle_reports" {
		t.Errorf("tableName = %q, want %q", store.tableName, "oracle_reports")
	}
}

func TestBuildMetadataQuery(t *testing.T) {
	s := &ArchiveStore{tableName: "oracle_reports"}

	tests := []struct {
		name          string
		filter        map[string]interface{}
		wantQuery     string
		wantArgsCount int
		wantErr       bool
	}{
		{
			name:          "Empty filter",
			filter:        map[string]interface{}{},
			wantQuery:     "TRUE",
			wantArgsCount: 0,
		},
		{
			name:          "Single key-value",
			filter:        map[string]interface{}{"report_id": "abc"},
			wantQuery:     "metadata @> $1",
			wantArgsCount: 1,
		},
		{
			name: "$and operator",
			filter: map[string]interface{}{
				"$and": []interface{}{
					map[string]interface{}{"mode": "deep"},
					map[string]interface{}{"quality_warning": false},
				},
			},
			wantQuery:     "((metadata @> $1) AND (metadata @> $2))",
			wantArgsCount: 2,
		},
		{
			name: "$or operator",
			filter: map[string]interface{}{
				"$or": []interface{}{
					map[string]interface{}{"mode": "deep"},
					map[string]interface{}{"mode": "fast"},
				},
			},
			wantQuery:     "((metadata @> $1) OR (metadata @> $2))",
			wantArgsCount: 2,
		},
		{
			name: "$not operator",
			filter: map[string]interface{}{
				"$not": map[string]interface{}{"quality_warning": true},
			},
			wantQuery:     "NOT (metadata @> $1)",
			wantArgsCount: 1,
		},
		{
			name: "Nested operators",
			filter: map[string]interface{}{
				"$or": []interface{}{
					map[string]interface{}{"mode": "fast"},
					map[string]interface{}{
						"$and": []interface{}{
							map[string]interface{}{"mode": "deep"},
							map[string]interface{}{"retry_count": 0},
						},
					},
				},
			},
			wantQuery:     "((metadata @> $1) OR (((metadata @> $2) AND (metadata @> $3))))",
			wantArgsCount: 3,
		},
		{
			name: "Implicit AND (multi-key map)",
			filter: map[string]interface{}{
				"mode":  "deep",
				"topic": "databases",
			},
			// The clause shape is stable even though map order is not.
			wantQuery:     "metadata @> $1 AND metadata @> $2",
			wantArgsCount: 2,
		},
		{
			name: "Error: Value for $or is not a list",
			filter: map[string]interface{}{
				"$or": "invalid",
			},
			wantErr: true,
		},
		{
			name: "Error: Item in $and list is not an object",
			filter: map[string]interface{}{
				"$and": []interface{}{
					"invalid",
				},
			},
			wantErr: true,
		},
		{
			name: "Error: Value for $not is not an object",
			filter: map[string]interface{}{
				"$not": []interface{}{"invalid"},
			},
			wantErr: true,
		},
		{
			name: "Edge Case: Empty list in operator (ignored)",
			filter: map[string]interface{}{
				"$or": []interface{}{},
			},
			wantQuery:     "TRUE",
			wantArgsCount: 0,
		},
		{
			name: "Edge Case: Operator with empty objects",
			filter: map[string]interface{}{
				"$and": []interface{}{
					map[string]interface{}{},
				},
			},
			// recursive call returns TRUE, so we get (TRUE)
			wantQuery:     "((TRUE))",
			wantArgsCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []interface{}
			gotQuery, err := s.buildMetadataQuery(tt.filter, &args)
			if (err != nil) != tt.wantErr {
				t.Errorf("buildMetadataQuery() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if gotQuery != tt.wantQuery {
				t.Errorf("buildMetadataQuery() query = %q, want %q", gotQuery, tt.wantQuery)
			}
			if len(args) != tt.wantArgsCount {
				t.Errorf("buildMetadataQuery() args count = %d, want %d", len(args), tt.wantArgsCount)
			}
		})
	}
}
