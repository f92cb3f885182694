package pipeline

// handleDelete handles DELETE: tear down a stream (spec §4.1).
func handleDelete(deps Dependencies, req Request) (*Response, error) {
	if err := deps.Store.Delete(req.Path); err != nil {
		return nil, err
	}
	return NewResponse(StatusNoContent), nil
}
