package dispatcher

import (
	"context"

	"github.com/adcontextprotocol/salesagent/internal/adcp"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/signals"
)

// registry wires each tool name to its auth policy and handler. Discovery
// tools work without a bearer token; everything else requires one.
func registry(svcs Services) map[string]tool {
	return map[string]tool{
		"get_products": {handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.GetProductsRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Catalog.GetProducts(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"list_creative_formats": {handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			resp, err := svcs.Catalog.ListCreativeFormats(ctx, call.Identity)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"list_creative_agents": {handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			resp, err := svcs.Catalog.ListCreativeAgents(ctx, call.Identity)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"list_authorized_properties": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			resp, err := svcs.Catalog.ListAuthorizedProperties(ctx, call.Identity)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"create_media_buy": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.CreateMediaBuyRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			mergePush(&req.PushNotificationConfig, call)
			resp, err := svcs.Orchestrator.CreateMediaBuy(ctx, call.Identity, call.Context, &req, call.Raw)
			if err != nil {
				return nil, err
			}
			if resp.Status == models.MediaBuyStatusPendingApproval {
				return adcp.InputRequired(resp)
			}
			return adcp.Completed(resp)
		}},

		"update_media_buy": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.UpdateMediaBuyRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			mergePush(&req.PushNotificationConfig, call)
			resp, err := svcs.Orchestrator.UpdateMediaBuy(ctx, call.Identity, call.Context, &req, call.Raw)
			if err != nil {
				return nil, err
			}
			if resp.Status == models.MediaBuyStatusPendingApproval {
				return adcp.InputRequired(resp)
			}
			return adcp.Completed(resp)
		}},

		"sync_creatives": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.SyncCreativesRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			mergePush(&req.PushNotificationConfig, call)
			resp, err := svcs.Creatives.Sync(ctx, call.Identity, call.Context, &req, call.Raw)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"list_creatives": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.ListCreativesRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Creatives.List(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"get_media_buy_delivery": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.GetMediaBuyDeliveryRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Delivery.GetDelivery(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"update_performance_index": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.UpdatePerformanceIndexRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Delivery.UpdatePerformanceIndex(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"get_signals": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.GetSignalsRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Signals.Get(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"activate_signal": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.ActivateSignalRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Signals.Activate(ctx, call.Identity, call.Context, &req, call.Raw)
			if err != nil {
				return nil, err
			}
			if resp.Status == signals.StatusActivating {
				return adcp.InputRequired(resp)
			}
			return adcp.Completed(resp)
		}},

		"list_tasks": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.ListTasksRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Engine.ListTasks(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"get_task": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.GetTaskRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Engine.GetTask(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},

		"complete_task": {authRequired: true, handler: func(ctx context.Context, call *Call) (*adcp.Envelope, error) {
			var req adcp.CompleteTaskRequest
			if err := decode(call.Raw, &req); err != nil {
				return nil, err
			}
			resp, err := svcs.Engine.CompleteTask(ctx, call.Identity, &req)
			if err != nil {
				return nil, err
			}
			return adcp.Completed(resp)
		}},
	}
}

// mergePush applies a header-carried push registration when the body did not
// bring its own.
func mergePush(dst **adcp.PushNotificationConfig, call *Call) {
	if *dst == nil && call.Push != nil {
		*dst = call.Push
	}
}
