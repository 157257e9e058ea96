package commands

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/meshactor/mesh/cmd/actorsrv/clusterstore"
	"github.com/meshactor/mesh/internal/baselib/actor/clusterpb"
)

// storeResolver answers clusterpb.ResolverServer.Resolve out of a sqlite
// clusterstore.Store, letting a remote actorsrv ask "who's in cluster X"
// without a static actors.json.
type storeResolver struct {
	store *clusterstore.Store
}

func (r *storeResolver) Resolve(ctx context.Context, req *structpb.Value) (*structpb.Value, error) {
	name := clusterpb.NameFromValue(req)
	hosts, err := r.store.Members(ctx, name)
	if err != nil {
		return nil, err
	}
	return clusterpb.HostsToValue(hosts), nil
}
