package crawler

// TemplateField names one field to extract and describes it for the
// extraction collaborator.
type TemplateField struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Template is an ordered field-name to description mapping.
type Template struct {
	Name   string
	Fields []TemplateField
}

// FieldNames lists the template's field names in order.
func (t Template) FieldNames() []string {
	names := make([]string, 0, len(t.Fields))
	for _, f := range t.Fields {
		names = append(names, f.Name)
	}
	return names
}

// HasField reports whether the template defines name.
func (t Template) HasField(name string) bool {
	for _, f := range t.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}
