package domain

// ProviderDescription is served from GET / and tells callers how to invoke
// the provider.
type ProviderDescription struct {
	APIVersion      string         `json:"api_version"`
	Title           string         `json:"title"`
	Subtitle        string         `json:"subtitle,omitempty"`
	Description     string         `json:"description,omitempty"`
	Keywords        []string       `json:"keywords,omitempty"`
	GlobusAuthScope string         `json:"globus_auth_scope"`
	AdminContact    string         `json:"admin_contact"`
	Synchronous     bool           `json:"synchronous"`
	LogSupported    bool           `json:"log_supported"`
	VisibleTo       []string       `json:"visible_to"`
	RunnableBy      []string       `json:"runnable_by"`
	AdministeredBy  []string       `json:"administered_by,omitempty"`
	InputSchema     map[string]any `json:"input_schema"`
}
