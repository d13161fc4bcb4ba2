package sqlinline

// GalleryTableToken is replaced with the quoted, configurable gallery table name.
const GalleryTableToken = "{{gallery_table}}"

const QInsertGalleryImage = `--sql 3b0f6a4c-9d1e-4f7a-8c2b-5e6d7f8a9b01
insert into {{gallery_table}} (id, task_id, module, title, prompt, image_url, is_public, likes_count, created_at)
values (gen_random_uuid(), $1::text, $2::text, $3::text, $4::text, $5::text, true, 0, now());
`

const QListGalleryImages = `--sql 7c1d2e3f-4a5b-4c6d-8e7f-9a0b1c2d3e4f
select id::text, task_id, module, title, prompt, image_url, likes_count, created_at
from {{gallery_table}}
where is_public
order by created_at desc
limit $1::int offset $2::int;
`

const QUpsertUsageStat = `--sql a4e5f6b7-c8d9-4e0f-9a1b-2c3d4e5f6a7b
insert into usage_stats (id, module, date, images_generated, api_calls, created_at, updated_at)
values (gen_random_uuid(), $1::text, current_date, $2::int, 1, now(), now())
on conflict (module, date) do update set
    images_generated = usage_stats.images_generated + excluded.images_generated,
    api_calls = usage_stats.api_calls + 1,
    updated_at = now();
`
