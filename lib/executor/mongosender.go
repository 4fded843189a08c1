package executor

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// NewMongoSender returns a CommandSender that dispatches commands to the
// sync source through the official driver. The replication metadata
// document is folded into the command body; on the modern wire protocol
// the remote returns its metadata fields in the reply body, so the reply
// doubles as the metadata document.
func NewMongoSender(client *mongo.Client) CommandSender {
	return func(ctx context.Context, req RemoteCommandRequest) (bson.Raw, bson.Raw, error) {
		cmd := make(bson.D, 0, len(req.Command)+len(req.Metadata))
		cmd = append(cmd, req.Command...)
		cmd = append(cmd, req.Metadata...)

		reply, err := client.Database(req.Database).RunCommand(ctx, cmd).Raw()
		if err != nil {
			return nil, nil, err
		}
		return reply, reply, nil
	}
}
