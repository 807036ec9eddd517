package plenticore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// VirtualModuleID is the reserved namespace for values computed by the
// client instead of the device.
const VirtualModuleID = "_virt_"

// Formula computes a derived value from resolved raw values, keyed by
// module id and process data id. Formulas are pure; they never perform
// I/O.
type Formula func(values map[string]map[string]float64) float64

// VirtualDefinition declares one derived process data value: the raw
// values it depends on and the formula over them.
type VirtualDefinition struct {
	ID   string
	Unit string
	// Dependencies lists the required raw values per module.
	Dependencies map[string][]string
	// RequiresAll makes the definition unavailable unless the device
	// advertises every dependency. Without it, the definition narrows
	// to the dependencies actually present.
	RequiresAll bool
	Formula     Formula
}

// Evaluate computes the derived value from raw values supplied by the
// caller's batch fetch. It performs no I/O; if any required raw value
// is missing the evaluation fails with a missing dependency error.
func Evaluate(def VirtualDefinition, raw map[string]ProcessDataCollection) (ProcessData, error) {
	missing := func(moduleID, id string) error {
		return &Error{
			Kind:    KindMissingDependency,
			Op:      "evaluate",
			Message: fmt.Sprintf("virtual %q requires %s/%s", def.ID, moduleID, id),
		}
	}

	resolved := make(map[string]map[string]float64, len(def.Dependencies))
	for moduleID, ids := range def.Dependencies {
		if len(ids) == 0 {
			continue
		}
		collection, ok := raw[moduleID]
		if !ok {
			return ProcessData{}, missing(moduleID, ids[0])
		}
		values := make(map[string]float64, len(ids))
		for _, id := range ids {
			pd, ok := collection.ByID(id)
			if !ok {
				return ProcessData{}, missing(moduleID, id)
			}
			values[id] = pd.Value
		}
		resolved[moduleID] = values
	}
	return ProcessData{ID: def.ID, Unit: def.Unit, Value: def.Formula(resolved)}, nil
}

// sumFormula adds up every resolved raw value.
func sumFormula(values map[string]map[string]float64) float64 {
	var sum float64
	for _, module := range values {
		for _, v := range module {
			sum += v
		}
	}
	return sum
}

const energyFlowModule = "scb:statistic:EnergyFlow"

// pvPowerDefinition sums the DC power of all PV string inputs the
// device has. Devices differ in string count, so the definition
// narrows to the strings actually present.
func pvPowerDefinition() VirtualDefinition {
	return VirtualDefinition{
		ID:   "pv_P",
		Unit: "W",
		Dependencies: map[string][]string{
			"devices:local:pv1": {"P"},
			"devices:local:pv2": {"P"},
			"devices:local:pv3": {"P"},
		},
		Formula: sumFormula,
	}
}

// energyToGridDefinition computes the energy fed to the grid for one
// statistic scope: yield minus the energy consumed at home directly
// from PV and from the battery.
func energyToGridDefinition(scope string) VirtualDefinition {
	yieldID := "Statistic:Yield:" + scope
	homeBatID := "Statistic:EnergyHomeBat:" + scope
	homePvID := "Statistic:EnergyHomePv:" + scope
	return VirtualDefinition{
		ID:   "Statistic:EnergyGrid:" + scope,
		Unit: "Wh",
		Dependencies: map[string][]string{
			energyFlowModule: {yieldID, homeBatID, homePvID},
		},
		RequiresAll: true,
		Formula: func(values map[string]map[string]float64) float64 {
			statistics := values[energyFlowModule]
			return statistics[yieldID] - statistics[homePvID] - statistics[homeBatID]
		},
	}
}

// DefaultVirtualDefinitions returns the static table of derived values
// this client can compute.
func DefaultVirtualDefinitions() []VirtualDefinition {
	defs := []VirtualDefinition{pvPowerDefinition()}
	for _, scope := range []string{"Total", "Year", "Month", "Day"} {
		defs = append(defs, energyToGridDefinition(scope))
	}
	return defs
}

// virtualRegistry narrows the static definitions to what the device's
// catalog actually provides. It is rebuilt per session since the
// catalog can change between sessions.
type virtualRegistry struct {
	available []VirtualDefinition
}

// newVirtualRegistry intersects the declared dependencies with the
// advertised process data ids.
func newVirtualRegistry(definitions []VirtualDefinition, advertised map[string][]string) *virtualRegistry {
	reg := &virtualRegistry{}
	for _, def := range definitions {
		narrowed := make(map[string][]string)
		complete := true
		for moduleID, ids := range def.Dependencies {
			present := intersect(ids, advertised[moduleID])
			if len(present) != len(ids) {
				complete = false
			}
			if len(present) > 0 {
				narrowed[moduleID] = present
			}
		}
		if def.RequiresAll && !complete {
			continue
		}
		if len(narrowed) == 0 {
			continue
		}
		def.Dependencies = narrowed
		reg.available = append(reg.available, def)
	}
	return reg
}

func intersect(ids, advertised []string) []string {
	var present []string
	for _, id := range ids {
		for _, a := range advertised {
			if id == a {
				present = append(present, id)
				break
			}
		}
	}
	return present
}

func (r *virtualRegistry) ids() []string {
	ids := make([]string, 0, len(r.available))
	for _, def := range r.available {
		ids = append(ids, def.ID)
	}
	sort.Strings(ids)
	return ids
}

func (r *virtualRegistry) lookup(id string) (VirtualDefinition, bool) {
	for _, def := range r.available {
		if def.ID == id {
			return def, true
		}
	}
	return VirtualDefinition{}, false
}

// ExtendedClient resolves ids under the _virt_ namespace on top of the
// plain client. Requests without virtual ids pass through unchanged.
type ExtendedClient struct {
	*Client

	virtMu      sync.Mutex
	definitions []VirtualDefinition
	virt        *virtualRegistry
	virtSession string
}

// NewExtendedClient creates a virtual-value-aware client. See
// NewClient for the address format and options.
func NewExtendedClient(address string, opts ...OptionFunc) (*ExtendedClient, error) {
	client, err := NewClient(address, opts...)
	if err != nil {
		return nil, err
	}
	return &ExtendedClient{Client: client, definitions: DefaultVirtualDefinitions()}, nil
}

// ProcessDataIDs returns the device's process data ids per module plus
// a _virt_ entry listing the virtual ids computable from them.
func (e *ExtendedClient) ProcessDataIDs(ctx context.Context) (map[string][]string, error) {
	raw, err := e.Client.ProcessDataIDs(ctx)
	if err != nil {
		return nil, err
	}
	reg := newVirtualRegistry(e.definitions, raw)

	e.virtMu.Lock()
	e.virt = reg
	e.virtSession = e.SessionID()
	e.virtMu.Unlock()

	ids := make(map[string][]string, len(raw)+1)
	for moduleID, moduleIDs := range raw {
		ids[moduleID] = moduleIDs
	}
	ids[VirtualModuleID] = reg.ids()
	return ids, nil
}

// registry returns the virtual registry for the active session,
// building it from the catalog when needed.
func (e *ExtendedClient) registry(ctx context.Context) (*virtualRegistry, error) {
	e.virtMu.Lock()
	reg := e.virt
	bound := e.virtSession
	e.virtMu.Unlock()
	if reg != nil && bound != "" && bound == e.SessionID() {
		return reg, nil
	}
	if _, err := e.ProcessDataIDs(ctx); err != nil {
		return nil, err
	}
	e.virtMu.Lock()
	reg = e.virt
	e.virtMu.Unlock()
	return reg, nil
}

// ProcessDataValues reads process data values of one module,
// transparently computing values of the _virt_ module.
func (e *ExtendedClient) ProcessDataValues(ctx context.Context, moduleID string, ids ...string) (ProcessDataCollection, error) {
	if moduleID != VirtualModuleID {
		return e.Client.ProcessDataValues(ctx, moduleID, ids...)
	}
	values, err := e.ProcessDataValuesMap(ctx, map[string][]string{moduleID: ids})
	if err != nil {
		return nil, err
	}
	return values[VirtualModuleID], nil
}

// ProcessDataValuesMap reads process data values spanning multiple
// modules. Virtual ids are expanded into their raw dependencies, the
// whole batch is fetched with one request, and the derived values are
// computed locally. Raw values fetched only on behalf of a virtual id
// do not appear in the result.
func (e *ExtendedClient) ProcessDataValuesMap(ctx context.Context, request map[string][]string) (map[string]ProcessDataCollection, error) {
	virtIDs, hasVirtual := request[VirtualModuleID]
	if !hasVirtual {
		return e.Client.ProcessDataValuesMap(ctx, request)
	}

	reg, err := e.registry(ctx)
	if err != nil {
		return nil, err
	}

	if len(virtIDs) == 0 {
		virtIDs = reg.ids()
	}

	// Expand the batch with the raw dependencies of every requested
	// virtual id.
	expanded := make(map[string][]string, len(request))
	for moduleID, ids := range request {
		if moduleID == VirtualModuleID {
			continue
		}
		expanded[moduleID] = append([]string(nil), ids...)
	}
	definitions := make([]VirtualDefinition, 0, len(virtIDs))
	for _, id := range virtIDs {
		def, ok := reg.lookup(id)
		if !ok {
			return nil, &Error{
				Kind:    KindNotFound,
				Op:      "processdata",
				Message: fmt.Sprintf("no virtual process data %q", id),
			}
		}
		definitions = append(definitions, def)
		for moduleID, ids := range def.Dependencies {
			expanded[moduleID] = mergeIDs(expanded[moduleID], ids)
		}
	}

	fetched, err := e.Client.ProcessDataValuesMap(ctx, expanded)
	if err != nil {
		return nil, err
	}

	result := make(map[string]ProcessDataCollection)
	virtValues := make(ProcessDataCollection, 0, len(definitions))
	for _, def := range definitions {
		pd, err := Evaluate(def, fetched)
		if err != nil {
			return nil, err
		}
		virtValues = append(virtValues, pd)
	}
	result[VirtualModuleID] = virtValues

	// Keep only what the caller asked for, not the dependency ids
	// piggybacked onto the batch.
	for moduleID, requestedIDs := range request {
		if moduleID == VirtualModuleID {
			continue
		}
		collection, ok := fetched[moduleID]
		if !ok {
			continue
		}
		if len(requestedIDs) == 0 {
			result[moduleID] = collection
			continue
		}
		filtered := make(ProcessDataCollection, 0, len(requestedIDs))
		for _, id := range requestedIDs {
			if pd, ok := collection.ByID(id); ok {
				filtered = append(filtered, pd)
			}
		}
		if len(filtered) > 0 {
			result[moduleID] = filtered
		}
	}
	return result, nil
}

func mergeIDs(existing, add []string) []string {
	for _, id := range add {
		found := false
		for _, e := range existing {
			if e == id {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, id)
		}
	}
	return existing
}
