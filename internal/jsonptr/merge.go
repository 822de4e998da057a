package jsonptr

// Merge combines incoming into existing per the named strategy and returns
// the resulting value to store at the pointer location:
//   - "replace" discards existing entirely.
//   - "shallow" overlays incoming's top-level keys onto existing, without
//     descending into shared nested objects.
//   - "deep" (and any other value, including "") recursively merges nested
//     objects and otherwise overlays, matching operation.ConfigOp.StrategyOrDefault.
//
// Only map[string]any values are merged; if either side isn't a map, the
// incoming value wins, mirroring JSON merge-patch semantics.
func Merge(existing, incoming any, strategy string) any {
	switch strategy {
	case "replace":
		return incoming
	case "shallow":
		return shallowMerge(existing, incoming)
	default:
		return deepMerge(existing, incoming)
	}
}

func shallowMerge(existing, incoming any) any {
	existingMap, ok := existing.(map[string]any)
	if !ok {
		return incoming
	}
	incomingMap, ok := incoming.(map[string]any)
	if !ok {
		return incoming
	}

	merged := make(map[string]any, len(existingMap)+len(incomingMap))
	for k, v := range existingMap {
		merged[k] = v
	}
	for k, v := range incomingMap {
		merged[k] = v
	}
	return merged
}

func deepMerge(existing, incoming any) any {
	existingMap, ok := existing.(map[string]any)
	if !ok {
		return incoming
	}
	incomingMap, ok := incoming.(map[string]any)
	if !ok {
		return incoming
	}

	merged := make(map[string]any, len(existingMap)+len(incomingMap))
	for k, v := range existingMap {
		merged[k] = v
	}
	for k, v := range incomingMap {
		if existingVal, exists := merged[k]; exists {
			merged[k] = deepMerge(existingVal, v)
		} else {
			merged[k] = v
		}
	}
	return merged
}
