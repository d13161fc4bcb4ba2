package sqlinline

// Provider API keys stored by cmd/providerkey. The newest row wins.
const QSelectIntegrationToken = `--sql 3c1f7a2e-95b4-4d0a-9e61-0b7c2d8f4a13
select t.token
from integration_tokens t
where t.provider = $1::text
  and t.token <> ''
order by t.updated_at desc
limit 1;
`

const QUpsertIntegrationToken = `--sql b6e04d9c-2a7f-4e38-8c15-d94a0f6e7b21
insert into integration_tokens as t (id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), $1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update
set token = excluded.token,
    properties = t.properties || excluded.properties,
    updated_at = now();
`
