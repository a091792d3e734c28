package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func courseSchema() Schema {
	return Schema{
		Name:        "courses",
		Description: "catalog entries scraped from the page",
		Fields: []Field{
			{
				Name: "courses",
				Type: TypeArray,
				Items: &Field{
					Type: TypeObject,
					Fields: []Field{
						{Name: "title", Type: TypeString},
						{Name: "description", Type: TypeString},
						{Name: "presenter", Type: TypeArray, Items: &Field{Type: TypeString}},
						{Name: "imageUrl", Type: TypeString, Optional: true},
						{Name: "courseURL", Type: TypeString},
					},
				},
			},
		},
	}
}

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestSchemaValidateAccepts(t *testing.T) {
	doc := decode(t, `{
		"courses": [
			{"title": "Go", "description": "d", "presenter": ["a"], "courseURL": "u"}
		]
	}`)
	require.NoError(t, courseSchema().Validate(doc))
}

func TestSchemaValidateRejections(t *testing.T) {
	schema := courseSchema()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not an object", `[1, 2]`, "expected a JSON object"},
		{"missing required field", `{"courses": [{"title": "Go"}]}`, "missing required field"},
		{"wrong element type", `{"courses": ["oops"]}`, "expected object"},
		{"wrong scalar type", `{"courses": [{"title": 3, "description": "d", "presenter": [], "courseURL": "u"}]}`, "expected string"},
		{"array where object", `{"courses": {"title": "Go"}}`, "expected array"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(decode(t, tc.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSchemaOptionalFieldsMayBeAbsent(t *testing.T) {
	schema := Schema{
		Name: "page",
		Fields: []Field{
			{Name: "title", Type: TypeString},
			{Name: "subtitle", Type: TypeString, Optional: true},
		},
	}
	require.NoError(t, schema.Validate(decode(t, `{"title": "x"}`)))
	require.Error(t, schema.Validate(decode(t, `{"subtitle": "y"}`)))
}

func TestSchemaIDChangesWithShape(t *testing.T) {
	a := courseSchema()
	b := courseSchema()
	assert.Equal(t, a.ID(), b.ID())

	b.Fields[0].Items.Fields = append(b.Fields[0].Items.Fields, Field{Name: "price", Type: TypeNumber})
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSchemaPromptListsFields(t *testing.T) {
	p := courseSchema().Prompt()
	assert.Contains(t, p, `"courses"`)
	assert.Contains(t, p, "title (string)")
	assert.Contains(t, p, "imageUrl (string, optional)")
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}
