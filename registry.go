package plenticore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// catalog is the device-discovered schema, valid only for the session
// it was fetched in. A new session may expose a different namespace,
// so the negotiator resets the catalog on every successful login.
type catalog struct {
	sessionID   string
	modules     []Module
	processData map[string][]string
	settings    map[string][]SettingData
}

// Modules returns all modules the device exposes. The list is fetched
// once per session and cached.
func (c *Client) Modules(ctx context.Context) ([]Module, error) {
	c.mu.Lock()
	if c.catalogValidLocked() && c.catalog.modules != nil {
		modules := c.catalog.modules
		c.mu.Unlock()
		return modules, nil
	}
	c.mu.Unlock()

	var modules []Module
	if err := c.sessionDo(ctx, "modules", "GET", "modules", nil, &modules); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.adoptCatalogLocked()
	c.catalog.modules = modules
	c.mu.Unlock()
	return modules, nil
}

// ProcessDataIDs returns the available process data ids per module,
// fetched once per session and cached.
func (c *Client) ProcessDataIDs(ctx context.Context) (map[string][]string, error) {
	c.mu.Lock()
	if c.catalogValidLocked() && c.catalog.processData != nil {
		ids := c.catalog.processData
		c.mu.Unlock()
		return ids, nil
	}
	c.mu.Unlock()

	var response []processDataModule
	if err := c.sessionDo(ctx, "processdata", "GET", "processdata", nil, &response); err != nil {
		return nil, err
	}
	ids := make(map[string][]string, len(response))
	for _, m := range response {
		ids[m.ModuleID] = m.ProcessDataIDs
	}

	c.mu.Lock()
	c.adoptCatalogLocked()
	c.catalog.processData = ids
	c.mu.Unlock()
	return ids, nil
}

// SettingDescriptors returns all setting descriptors per module,
// fetched once per session and cached. The descriptors drive local
// write validation.
func (c *Client) SettingDescriptors(ctx context.Context) (map[string][]SettingData, error) {
	c.mu.Lock()
	if c.catalogValidLocked() && c.catalog.settings != nil {
		settings := c.catalog.settings
		c.mu.Unlock()
		return settings, nil
	}
	c.mu.Unlock()

	var response []settingsModule
	if err := c.sessionDo(ctx, "settings", "GET", "settings", nil, &response); err != nil {
		return nil, err
	}
	settings := make(map[string][]SettingData, len(response))
	for _, m := range response {
		settings[m.ModuleID] = m.Settings
	}

	c.mu.Lock()
	c.adoptCatalogLocked()
	c.catalog.settings = settings
	c.mu.Unlock()
	return settings, nil
}

// SettingDescriptorsOf returns the setting descriptors of one module.
func (c *Client) SettingDescriptorsOf(ctx context.Context, moduleID string) ([]SettingData, error) {
	settings, err := c.SettingDescriptors(ctx)
	if err != nil {
		return nil, err
	}
	descriptors, ok := settings[moduleID]
	if !ok {
		return nil, &Error{Kind: KindNotFound, Op: "settings", Message: fmt.Sprintf("module %q has no settings", moduleID)}
	}
	return descriptors, nil
}

// catalogValidLocked reports whether the cached catalog belongs to the
// active session. Callers hold c.mu.
func (c *Client) catalogValidLocked() bool {
	return c.state == stateAuthenticated && c.sess != nil && c.catalog.sessionID == c.sess.id
}

// adoptCatalogLocked rebinds the catalog to the active session,
// dropping stale entries from a previous one. Callers hold c.mu.
func (c *Client) adoptCatalogLocked() {
	if c.sess == nil {
		return
	}
	if c.catalog.sessionID != c.sess.id {
		c.catalog = catalog{sessionID: c.sess.id}
	}
}

// ProcessDataValues reads process data values of one module. Without
// ids all values of the module are returned; with ids the listed
// values are fetched in a single request.
func (c *Client) ProcessDataValues(ctx context.Context, moduleID string, ids ...string) (ProcessDataCollection, error) {
	path := "processdata/" + moduleID
	if len(ids) > 0 {
		path += "/" + strings.Join(ids, ",")
	}
	var response []processDataValues
	if err := c.sessionDo(ctx, "processdata", "GET", path, nil, &response); err != nil {
		return nil, err
	}
	if len(response) == 0 {
		return nil, &Error{Kind: KindProtocol, Op: "processdata", Message: "device returned no module data"}
	}
	return response[0].ProcessData, nil
}

// ProcessDataValue reads a single process data value.
func (c *Client) ProcessDataValue(ctx context.Context, moduleID, id string) (ProcessData, error) {
	values, err := c.ProcessDataValues(ctx, moduleID, id)
	if err != nil {
		return ProcessData{}, err
	}
	pd, ok := values.ByID(id)
	if !ok {
		return ProcessData{}, &Error{
			Kind:    KindNotFound,
			Op:      "processdata",
			Message: fmt.Sprintf("module %q has no process data %q", moduleID, id),
		}
	}
	return pd, nil
}

// ProcessDataValuesMap reads process data values spanning multiple
// modules with one physical request. Either the whole batch succeeds
// or the call fails; no partial results are returned.
func (c *Client) ProcessDataValuesMap(ctx context.Context, request map[string][]string) (map[string]ProcessDataCollection, error) {
	payload := make([]processDataModule, 0, len(request))
	for _, moduleID := range sortedKeys(request) {
		payload = append(payload, processDataModule{ModuleID: moduleID, ProcessDataIDs: request[moduleID]})
	}

	var response []processDataValues
	if err := c.sessionDo(ctx, "processdata", "POST", "processdata", payload, &response); err != nil {
		return nil, err
	}
	values := make(map[string]ProcessDataCollection, len(response))
	for _, m := range response {
		values[m.ModuleID] = m.ProcessData
	}
	return values, nil
}

// SettingValues reads setting values of one module. Without ids all
// values of the module are returned.
func (c *Client) SettingValues(ctx context.Context, moduleID string, ids ...string) (map[string]string, error) {
	path := "settings/" + moduleID
	if len(ids) > 0 {
		path += "/" + strings.Join(ids, ",")
	}
	var response []settingValue
	if err := c.sessionDo(ctx, "settings", "GET", path, nil, &response); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(response))
	for _, v := range response {
		values[v.ID] = v.Value
	}
	return values, nil
}

// SettingValue reads a single setting value.
func (c *Client) SettingValue(ctx context.Context, moduleID, id string) (string, error) {
	values, err := c.SettingValues(ctx, moduleID, id)
	if err != nil {
		return "", err
	}
	value, ok := values[id]
	if !ok {
		return "", &Error{
			Kind:    KindNotFound,
			Op:      "settings",
			Message: fmt.Sprintf("module %q has no setting %q", moduleID, id),
		}
	}
	return value, nil
}

// SettingValuesMap reads setting values spanning multiple modules with
// one physical request.
func (c *Client) SettingValuesMap(ctx context.Context, request map[string][]string) (map[string]map[string]string, error) {
	payload := make([]settingIDsModule, 0, len(request))
	for _, moduleID := range sortedKeys(request) {
		payload = append(payload, settingIDsModule{ModuleID: moduleID, SettingIDs: request[moduleID]})
	}

	var response []settingValuesModule
	if err := c.sessionDo(ctx, "settings", "POST", "settings", payload, &response); err != nil {
		return nil, err
	}
	values := make(map[string]map[string]string, len(response))
	for _, m := range response {
		moduleValues := make(map[string]string, len(m.Settings))
		for _, v := range m.Settings {
			moduleValues[v.ID] = v.Value
		}
		values[m.ModuleID] = moduleValues
	}
	return values, nil
}

// SetSettingValues writes setting values of one module. Every value is
// validated against the cached descriptors before anything is sent; a
// violation fails locally without a round trip.
func (c *Client) SetSettingValues(ctx context.Context, moduleID string, values map[string]string) error {
	descriptors, err := c.SettingDescriptorsOf(ctx, moduleID)
	if err != nil {
		return err
	}
	byID := make(map[string]SettingData, len(descriptors))
	for _, d := range descriptors {
		byID[d.ID] = d
	}
	for _, id := range sortedKeys(values) {
		descriptor, ok := byID[id]
		if !ok {
			return &Error{
				Kind:    KindValidationFailed,
				Op:      "settings",
				Message: fmt.Sprintf("module %q has no setting %q", moduleID, id),
			}
		}
		if err := validateSettingValue(descriptor, values[id]); err != nil {
			return err
		}
	}

	payload := make([]settingValuesModule, 1)
	payload[0].ModuleID = moduleID
	for _, id := range sortedKeys(values) {
		payload[0].Settings = append(payload[0].Settings, settingValue{ID: id, Value: values[id]})
	}
	return c.sessionDo(ctx, "settings", "PUT", "settings", payload, nil)
}

// validateSettingValue checks value against the descriptor's declared
// access, type and range.
func validateSettingValue(descriptor SettingData, value string) error {
	fail := func(format string, args ...any) error {
		return &Error{
			Kind:    KindValidationFailed,
			Op:      "settings",
			Message: fmt.Sprintf("setting %q: %s", descriptor.ID, fmt.Sprintf(format, args...)),
		}
	}

	if !descriptor.Writable() {
		return fail("is read-only")
	}

	switch strings.ToLower(descriptor.Type) {
	case "string":
		return nil
	case "bool":
		switch value {
		case "0", "1", "true", "false":
			return nil
		}
		return fail("value %q is not a boolean", value)
	case "byte", "uint16", "uint32", "uint64", "int16", "int32", "int64", "float", "double":
		// numeric, handled below
	default:
		// Unknown value types pass through; the device is the final
		// authority for types this client predates.
		return nil
	}

	number, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fail("value %q is not numeric", value)
	}
	if min := descriptor.Min; min != nil && *min != "" {
		if bound, err := strconv.ParseFloat(*min, 64); err == nil && number < bound {
			return fail("value %v below minimum %v", number, bound)
		}
	}
	if max := descriptor.Max; max != nil && *max != "" {
		if bound, err := strconv.ParseFloat(*max, 64); err == nil && number > bound {
			return fail("value %v above maximum %v", number, bound)
		}
	}
	return nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
