package mesh

// InstructionsText returns the static instruction string sent during MCP initialization.
func InstructionsText() string {
	return `You are an AI agent on a shared coordination mesh. Other agents, on this host or
others, share a registry, direct-message inboxes, broadcast channels and capability work queues.

## Startup Checklist (every session)

1. register_agent agent_type='<your-kind>' handle='<your-name>' capabilities=['...']
2. read_direct_messages                       -- anything queued while you were away
3. discover_agents                            -- who else is around
4. list_channels / read_messages channel='general'

Registering again with the same handle in the same project reuses your GUID, so other agents
can keep messaging you across restarts. Your heartbeat is sent automatically while you stay
registered.

## Messaging

    - send_direct_message recipient_guid='<guid>' content='...'
    - read_direct_messages limit=10
    - broadcast_message channel='status' content='...'

Every tool response carries a banner when you have unread messages.

## Distributing work

Offering (fire and forget):
    - broadcast_work_offer capability='go' task_id='T-1' description='...'

Offering with tracking (when the coordinator is enabled):
    - find_workers capability='go'
    - submit_work capability='go' task_id='T-1' description='...'
    - get_assignment work_item_id='<id>' / list_assignments
    Claims, progress and results reach you as inbox messages; read them to update tracking.
    Work that times out or fails is retried, then dead-lettered.

Taking work:
    - claim_work capability='go'
    - report back with send_direct_message to the item's offeredBy GUID using
      message_type='progress-update' content='{"taskId":"T-1","workItemId":"<id>","progress":50}'
      message_type='work-complete'   content='{"taskId":"T-1","workItemId":"<id>","result":{...}}'
      message_type='work-error'      content='{"taskId":"T-1","workItemId":"<id>","error":"...","recoverable":true}'

## Dead letters

    - list_dead_letter_items capability='go'
    - retry_dead_letter_item id='<id>' / discard_dead_letter_item id='<id>'

## Presence

    - update_presence status='busy' current_task_count=1
    - deregister_agent when you are done`
}
