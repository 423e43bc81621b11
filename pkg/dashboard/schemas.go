package dashboard

const refSchema = `{
	"type": "object",
	"properties": {
		"kind": {"type": "string"},
		"id": {"type": "string", "minLength": 1}
	},
	"required": ["id"]
}`

var (
	loadSchema = `{
	"type": "object",
	"properties": {"ref": ` + refSchema + `},
	"required": ["ref"]
}`

	renameSchema = `{
	"type": "object",
	"properties": {"title": {"type": "string", "minLength": 1, "maxLength": 256}},
	"required": ["title"]
}`

	emptySchema = `{"type": "object", "additionalProperties": false}`

	addFilterSchema = `{
	"type": "object",
	"properties": {
		"displayForm": ` + refSchema + `,
		"selection": {"type": "array", "items": {"type": "string"}},
		"negative": {"type": "boolean"},
		"index": {"type": "integer", "minimum": 0}
	},
	"required": ["displayForm"]
}`

	removeFilterSchema = `{
	"type": "object",
	"properties": {"localId": {"type": "string", "minLength": 1}},
	"required": ["localId"]
}`

	changeSelectionSchema = `{
	"type": "object",
	"properties": {
		"localId": {"type": "string", "minLength": 1},
		"selection": {"type": "array", "items": {"type": "string"}},
		"negative": {"type": "boolean"}
	},
	"required": ["localId", "selection"]
}`

	drillSchema = `{
	"type": "object",
	"properties": {
		"insight": ` + refSchema + `,
		"intersection": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"attribute": {"type": "string", "minLength": 1},
					"value": {"type": "string"}
				},
				"required": ["attribute", "value"]
			}
		}
	},
	"required": ["insight"]
}`

	connectedSchema = `{
	"type": "object",
	"properties": {
		"displayForm": ` + refSchema + `,
		"forceRefresh": {"type": "boolean"}
	},
	"required": ["displayForm"]
}`
)
