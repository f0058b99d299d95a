package events

import (
	"github.com/wasmcloud/lattice/pkg/types"
)

// ComponentScaledData is the payload of component_scaled. The event is
// idempotent, repeated scales to the same max emit it again.
func ComponentScaledData(claims *types.Claims, annotations types.Annotations, hostID string, maxInstances uint32, ref, id string) map[string]any {
	data := map[string]any{
		"annotations":   annotations,
		"host_id":       hostID,
		"image_ref":     ref,
		"component_id":  id,
		"max_instances": maxInstances,
	}
	addClaims(data, claims)
	return data
}

// ComponentScaleFailedData is the payload of component_scale_failed
func ComponentScaleFailedData(claims *types.Claims, annotations types.Annotations, hostID, ref, id string, maxInstances uint32, failure error) map[string]any {
	data := map[string]any{
		"annotations":   annotations,
		"host_id":       hostID,
		"image_ref":     ref,
		"component_id":  id,
		"max_instances": maxInstances,
		"error":         failure.Error(),
	}
	addClaims(data, claims)
	return data
}

// ProviderStartedData is the payload of provider_started
func ProviderStartedData(claims *types.Claims, annotations types.Annotations, hostID, ref, id string) map[string]any {
	data := map[string]any{
		"annotations": annotations,
		"host_id":     hostID,
		"image_ref":   ref,
		"provider_id": id,
	}
	addClaims(data, claims)
	return data
}

// ProviderStartFailedData is the payload of provider_start_failed
func ProviderStartFailedData(ref, id string, failure error) map[string]any {
	return map[string]any{
		"provider_ref": ref,
		"provider_id":  id,
		"error":        failure.Error(),
	}
}

// ProviderStoppedData is the payload of provider_stopped
func ProviderStoppedData(annotations types.Annotations, hostID, id, reason string) map[string]any {
	return map[string]any{
		"annotations": annotations,
		"host_id":     hostID,
		"provider_id": id,
		"reason":      reason,
	}
}

// ProviderHealthCheckData is the shared payload of the health check events
func ProviderHealthCheckData(hostID, id string) map[string]any {
	return map[string]any{
		"host_id":     hostID,
		"provider_id": id,
	}
}

// LinkdefSetData is the payload of linkdef_set
func LinkdefSetData(link *types.Link) map[string]any {
	return map[string]any{
		"source_id":     link.SourceID,
		"target":        link.Target,
		"wit_namespace": link.WitNamespace,
		"wit_package":   link.WitPackage,
		"name":          link.Name,
		"interfaces":    link.Interfaces,
	}
}

// LinkdefSetFailedData is the payload of linkdef_set_failed
func LinkdefSetFailedData(link *types.Link, failure error) map[string]any {
	data := LinkdefSetData(link)
	data["error"] = failure.Error()
	return data
}

// LinkdefDeletedData is the payload of linkdef_deleted. The target and
// interfaces are only known when the link existed.
func LinkdefDeletedData(sourceID, name, namespace, pkg string, deleted *types.Link) map[string]any {
	data := map[string]any{
		"source_id":     sourceID,
		"name":          name,
		"wit_namespace": namespace,
		"wit_package":   pkg,
	}
	if deleted != nil {
		data["target"] = deleted.Target
		data["interfaces"] = deleted.Interfaces
	}
	return data
}

// ConfigSetData is the payload of config_set
func ConfigSetData(name string) map[string]any {
	return map[string]any{"config_name": name}
}

// ConfigDeletedData is the payload of config_deleted
func ConfigDeletedData(name string) map[string]any {
	return map[string]any{"config_name": name}
}

// LabelsChangedData is the payload of labels_changed
func LabelsChangedData(hostID string, labels map[string]string) map[string]any {
	return map[string]any{
		"host_id": hostID,
		"labels":  labels,
	}
}

func addClaims(data map[string]any, claims *types.Claims) {
	if claims == nil {
		return
	}
	data["public_key"] = claims.Subject
	data["claims"] = claims
}
