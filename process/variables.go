package process

// GetVariable resolves a variable by walking up the scope chain: the
// nearest enclosing scope execution that defines the name wins.
func (ac *ActivityContext) GetVariable(name string) (any, bool) {
	e := ac.execution

	for {
		if e.IsScope || e.Root() {
			if v, ok := e.Variables[name]; ok {
				return v, true
			}
		}

		if e.ParentID == "" {
			return nil, false
		}

		parent, err := ac.runtime.GetExecution(e.ParentID)
		if err != nil {
			ac.runtime.Logger().WarnContext(ac.Context(), "could not resolve variable scope parent",
				"execution_id", e.ID, "parent_id", e.ParentID, "error", err)
			return nil, false
		}

		e = parent
	}
}

// SetVariable writes a variable to the nearest enclosing scope execution.
func (ac *ActivityContext) SetVariable(name string, value any) {
	e := ac.execution

	for !e.IsScope && !e.Root() {
		parent, err := ac.runtime.GetExecution(e.ParentID)
		if err != nil {
			ac.runtime.Logger().WarnContext(ac.Context(), "could not resolve variable scope parent",
				"execution_id", e.ID, "parent_id", e.ParentID, "error", err)
			return
		}

		e = parent
	}

	if e.Variables == nil {
		e.Variables = map[string]any{}
	}

	e.Variables[name] = value
}
