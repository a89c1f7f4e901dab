package tools

// NewBuiltinRegistry returns a registry holding the built-in tool set.
// The spawn tools are registered separately by the agent package, and
// batch_tool by RegisterBatchTool once a dispatcher exists.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, tool := range []RegisteredTool{
		readFileTool(),
		writeFileTool(),
		editFileTool(),
		deleteFileTool(),
		listFilesTool(),
		searchTool(),
		runCommandTool(),
		runBackgroundTool(),
		listProcessesTool(),
		getProcessOutputTool(),
		killProcessTool(),
		listOperationsTool(),
		undoLastTool(),
		taskCompleteTool(),
	} {
		r.Register(tool)
	}
	return r
}
